package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"mediashare/internal/metrics"
	"mediashare/pkg/queue"
	"mediashare/pkg/storage"
)

// Sweeper retries blob deletions that failed during a cascade.
type Sweeper struct {
	blobs storage.BlobStore
	log   zerolog.Logger
}

// New builds a sweeper over the shared blob store.
func New(blobs storage.BlobStore, logger zerolog.Logger) (*Sweeper, error) {
	if blobs == nil {
		return nil, errors.New("blob store required")
	}
	return &Sweeper{
		blobs: blobs,
		log:   logger.With().Str("component", "sweeper").Logger(),
	}, nil
}

// Handle deletes the job's blob. A blob that is already gone counts as done;
// a locator that can never resolve is dropped without retry.
func (s *Sweeper) Handle(ctx context.Context, job queue.CleanupJob) error {
	log := s.log.With().Str("job_id", job.ID).Str("locator", job.Locator).Int("attempt", job.Attempts).Logger()
	deleted, err := s.blobs.DeleteIfExists(ctx, job.Locator)
	switch {
	case errors.Is(err, storage.ErrInvalidLocator):
		metrics.BlobDeletionsTotal.WithLabelValues("sweeper", "invalid").Inc()
		log.Error().Err(err).Msg("dropping cleanup job with invalid locator")
		return nil
	case err != nil:
		metrics.BlobDeletionsTotal.WithLabelValues("sweeper", "error").Inc()
		log.Warn().Err(err).Msg("blob delete failed")
		return fmt.Errorf("delete blob %s: %w", job.Locator, err)
	case deleted:
		metrics.BlobDeletionsTotal.WithLabelValues("sweeper", "deleted").Inc()
		log.Info().Msg("orphaned blob removed")
	default:
		metrics.BlobDeletionsTotal.WithLabelValues("sweeper", "missing").Inc()
		log.Debug().Msg("blob already gone")
	}
	return nil
}
