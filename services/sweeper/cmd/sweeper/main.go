package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mediashare/internal/util"
	"mediashare/pkg/queue"
	"mediashare/pkg/storage"
	"mediashare/services/sweeper/internal/app"
	"mediashare/services/sweeper/internal/config"
	"mediashare/services/sweeper/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := util.InitLogger("sweeper", cfg.LogLevel)

	var blobs storage.BlobStore
	switch cfg.BlobBackend {
	case "minio":
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		blobs, err = storage.NewFileStore(cfg.UploadDir)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("failed to init blob store")
	}

	sweeper, err := app.New(blobs, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init sweeper")
	}
	q, err := queue.NewRedisCleanupQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.CleanupStream,
		Group:      cfg.CleanupGroup,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init cleanup queue")
	}
	defer q.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(q, logger).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("workers", cfg.Workers).Str("stream", cfg.CleanupStream).Msg("sweeper started")
		q.Start(gctx, cfg.Workers, sweeper.Handle).Wait()
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("sweeper status server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("sweeper error")
	}
}
