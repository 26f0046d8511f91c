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

	"mediashare/internal/ratelimit"
	"mediashare/internal/util"
	"mediashare/pkg/queue"
	"mediashare/pkg/storage"
	"mediashare/pkg/store"
	"mediashare/services/media/internal/app"
	"mediashare/services/media/internal/config"
	"mediashare/services/media/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger := util.InitLogger("media", cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL,
		store.WithLogger(logger),
		store.WithPool(cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnLifetime),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer st.Close()

	var blobs storage.BlobStore
	switch cfg.BlobBackend {
	case config.BlobBackendMinio:
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	default:
		blobs, err = storage.NewFileStore(cfg.UploadDir)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.BlobBackend).Msg("failed to init blob store")
	}

	var (
		revoker     store.TokenRevoker = store.NewMemoryTokenRevoker()
		authLimiter ratelimit.Limiter
		cleanup     *queue.RedisCleanupQueue
	)
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL+cfg.JWTLeeway)
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.AuthRateLimit, cfg.AuthRateWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init rate limiter")
		}
		authLimiter = limiter
		cleanup, err = queue.NewRedisCleanupQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.CleanupStream,
			Logger:   &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init cleanup queue")
		}
		defer cleanup.Close()
	} else {
		limiter, err := ratelimit.NewMemoryFixedWindowLimiter(cfg.AuthRateLimit, cfg.AuthRateWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init rate limiter")
		}
		authLimiter = limiter
		logger.Warn().Msg("redis not configured; revocation and rate limits are in-memory and failed blob deletes are not retried")
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   cfg.JWTLeeway,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init sessions")
	}

	appCfg := app.Config{
		Store:          st,
		Blobs:          blobs,
		Sessions:       sessions,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	}
	if cleanup != nil {
		appCfg.CleanupQueue = cleanup
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init app")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid trusted proxies")
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		Blobs:          blobs,
		Logger:         logger,
		AuthLimiter:    authLimiter,
		TrustedProxies: trusted,
		CORSOrigins:    cfg.CORSOrigins,
		PresignExpiry:  cfg.PresignExpiry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init server")
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Minute,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("media server listening")
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
		logger.Error().Err(err).Msg("server error")
	}
}
