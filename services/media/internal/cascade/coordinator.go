// Package cascade deletes videos and accounts across the relational store and
// the blob store.
//
// Blob deletions happen before the relational commit and cannot be undone: if
// the unit of work later rolls back, rows survive that reference blobs which
// are already gone. Callers see this only as a missing file on the surviving
// video, which the rest of the system tolerates.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mediashare/internal/metrics"
	"mediashare/internal/util"
	"mediashare/pkg/domain"
	"mediashare/pkg/queue"
	"mediashare/pkg/storage"
	"mediashare/pkg/store"
)

// CleanupQueue receives locators whose deletion failed with an I/O error.
type CleanupQueue interface {
	Enqueue(ctx context.Context, locator string) (queue.CleanupJob, error)
}

// VideoDeletion reports a removed video.
type VideoDeletion struct {
	VideoID     string `json:"videoId"`
	FileDeleted bool   `json:"fileDeleted"`
}

// AccountDeletion reports what an account cascade removed. FilesDeleted may
// be lower than VideosDeleted when blobs were missing, failed to delete, or
// belonged to link videos.
type AccountDeletion struct {
	VideosDeleted int `json:"videosDeleted"`
	FilesDeleted  int `json:"filesDeleted"`
}

// account cascade states, logged at debug on every transition
const (
	stateStarted           = "started"
	stateVideosFetched     = "videos_fetched"
	stateBlobsProcessed    = "blobs_processed"
	stateVideoRowsDeleted  = "video_rows_deleted"
	stateAccountRowDeleted = "account_row_deleted"
	stateCommitted         = "committed"
	stateRolledBack        = "rolled_back"
)

// Coordinator runs deletion cascades.
type Coordinator struct {
	store   store.Store
	blobs   storage.BlobStore
	cleanup CleanupQueue
	revoker store.UserSessionRevoker
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Coordinator)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log.With().Str("component", "cascade").Logger()
	}
}

// WithCleanupQueue enables retrying failed blob deletions out of band.
func WithCleanupQueue(q CleanupQueue) Option {
	return func(c *Coordinator) {
		c.cleanup = q
	}
}

// WithSessionRevoker revokes an account's sessions after it is deleted.
func WithSessionRevoker(r store.UserSessionRevoker) Option {
	return func(c *Coordinator) {
		c.revoker = r
	}
}

func NewCoordinator(st store.Store, blobs storage.BlobStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: st,
		blobs: blobs,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// DeleteVideo removes one video owned by actorID and its blob. A blob that
// is missing or fails to delete does not stop the row delete.
func (c *Coordinator) DeleteVideo(ctx context.Context, actorID, videoID string) (VideoDeletion, error) {
	log := c.logger(ctx).With().Str("actor_id", actorID).Str("video_id", videoID).Logger()

	video, ok, err := c.store.GetVideo(ctx, videoID)
	if err != nil {
		metrics.DeletionsTotal.WithLabelValues("video", "failed").Inc()
		return VideoDeletion{}, fmt.Errorf("%w: load video: %w", ErrTransactionFailed, err)
	}
	if !ok {
		metrics.DeletionsTotal.WithLabelValues("video", "not_found").Inc()
		return VideoDeletion{}, ErrNotFound
	}
	if video.OwnerID != actorID {
		metrics.DeletionsTotal.WithLabelValues("video", "forbidden").Inc()
		return VideoDeletion{}, ErrForbidden
	}

	res := VideoDeletion{VideoID: video.ID}
	if video.IsFile() {
		res.FileDeleted = c.deleteBlob(ctx, log, "video", video)
	}

	n, err := c.store.DeleteVideo(ctx, video.ID)
	if err != nil {
		metrics.DeletionsTotal.WithLabelValues("video", "failed").Inc()
		return VideoDeletion{}, fmt.Errorf("%w: delete video row: %w", ErrTransactionFailed, err)
	}
	if n == 0 {
		log.Info().Msg("video row already removed")
		metrics.DeletionsTotal.WithLabelValues("video", "not_found").Inc()
		return VideoDeletion{}, ErrNotFound
	}
	metrics.DeletionsTotal.WithLabelValues("video", "ok").Inc()
	log.Info().Bool("file_deleted", res.FileDeleted).Msg("video deleted")
	return res, nil
}

// DeleteAccount removes the account, all of its video rows and their blobs.
// Relational changes commit together or not at all; blobs removed before a
// rollback stay removed.
func (c *Coordinator) DeleteAccount(ctx context.Context, actorID string) (AccountDeletion, error) {
	log := c.logger(ctx).With().Str("account_id", actorID).Logger()
	c.transition(log, stateStarted)

	var res AccountDeletion
	err := c.store.WithinTx(ctx, func(tx store.Store) error {
		videos, err := tx.ListVideosByOwner(ctx, actorID)
		if err != nil {
			return fmt.Errorf("list videos: %w", err)
		}
		c.transition(log, stateVideosFetched)

		files := 0
		for _, v := range videos {
			if !v.IsFile() {
				continue
			}
			if c.deleteBlob(ctx, log, "account", v) {
				files++
			}
		}
		c.transition(log, stateBlobsProcessed)

		removed, err := tx.DeleteVideosByOwner(ctx, actorID)
		if err != nil {
			return fmt.Errorf("delete videos: %w", err)
		}
		c.transition(log, stateVideoRowsDeleted)

		n, err := tx.DeleteAccount(ctx, actorID)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		c.transition(log, stateAccountRowDeleted)

		res = AccountDeletion{VideosDeleted: int(removed), FilesDeleted: files}
		return nil
	})
	if err != nil {
		c.transition(log, stateRolledBack)
		if errors.Is(err, ErrNotFound) {
			metrics.DeletionsTotal.WithLabelValues("account", "not_found").Inc()
			return AccountDeletion{}, ErrNotFound
		}
		metrics.DeletionsTotal.WithLabelValues("account", "failed").Inc()
		log.Error().Err(err).Msg("account cascade rolled back")
		return AccountDeletion{}, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	c.transition(log, stateCommitted)
	metrics.DeletionsTotal.WithLabelValues("account", "ok").Inc()

	if c.revoker != nil {
		// the cascade is committed; a revocation failure only leaves tokens
		// that resolve to a missing account
		if err := c.revoker.RevokeUserSessions(actorID, c.now().UTC()); err != nil {
			log.Error().Err(err).Msg("revoke sessions after account deletion")
		}
	}
	log.Info().
		Int("videos_deleted", res.VideosDeleted).
		Int("files_deleted", res.FilesDeleted).
		Msg("account deleted")
	return res, nil
}

// deleteBlob reports whether a blob was actually removed.
func (c *Coordinator) deleteBlob(ctx context.Context, log zerolog.Logger, source string, v domain.Video) bool {
	deleted, err := c.blobs.DeleteIfExists(ctx, v.Locator)
	if err != nil {
		log.Warn().
			Err(fmt.Errorf("%w: %w", ErrBlobIO, err)).
			Str("video_id", v.ID).
			Str("locator", v.Locator).
			Msg("blob delete failed, continuing")
		metrics.BlobDeletionsTotal.WithLabelValues(source, "error").Inc()
		if !errors.Is(err, storage.ErrInvalidLocator) {
			c.enqueueCleanup(ctx, log, v.Locator)
		}
		return false
	}
	if !deleted {
		log.Warn().Str("video_id", v.ID).Str("locator", v.Locator).Msg("blob already missing")
		metrics.BlobDeletionsTotal.WithLabelValues(source, "missing").Inc()
		return false
	}
	metrics.BlobDeletionsTotal.WithLabelValues(source, "deleted").Inc()
	return true
}

func (c *Coordinator) enqueueCleanup(ctx context.Context, log zerolog.Logger, locator string) {
	if c.cleanup == nil {
		return
	}
	job, err := c.cleanup.Enqueue(context.WithoutCancel(ctx), locator)
	if err != nil {
		log.Error().Err(err).Str("locator", locator).Msg("enqueue blob cleanup")
		return
	}
	metrics.CleanupEnqueuedTotal.Inc()
	log.Info().Str("job_id", job.ID).Str("locator", locator).Msg("blob cleanup queued")
}

func (c *Coordinator) transition(log zerolog.Logger, state string) {
	log.Debug().Str("state", state).Msg("account cascade")
}

func (c *Coordinator) logger(ctx context.Context) zerolog.Logger {
	if id := util.RequestIDFromContext(ctx); id != "" {
		return c.log.With().Str("request_id", id).Logger()
	}
	return c.log
}
