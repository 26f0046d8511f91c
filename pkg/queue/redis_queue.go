package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mediashare/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// CleanupJob is one pending blob deletion.
type CleanupJob struct {
	ID           string    `json:"id"`
	Locator      string    `json:"locator"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A nil error marks the job done.
type Handler func(ctx context.Context, job CleanupJob) error

// RedisCleanupQueue is a Redis stream of blob locators whose deletion failed
// and must be retried. Job status lives in a hash per job; jobs that exhaust
// their retries are copied to a dead-letter stream for operators.
type RedisCleanupQueue struct {
	client   *redis.Client
	stream   string
	dead     string
	group    string
	consumer string
	log      zerolog.Logger
	once     sync.Once

	jobTTL        time.Duration
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	block         time.Duration
	claimIdle     time.Duration
	maxLen        int64
	batch         int64
}

// RedisQueueConfig configures the cleanup queue. Zero values take defaults.
type RedisQueueConfig struct {
	Addr          string
	Password      string
	Stream        string
	Group         string
	Consumer      string
	JobTTL        time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Block         time.Duration
	ClaimIdle     time.Duration
	MaxLen        int64
	Batch         int64
	Logger        *zerolog.Logger
}

// NewRedisCleanupQueue connects to Redis; the consumer group is created on
// first Start.
func NewRedisCleanupQueue(cfg RedisQueueConfig) (*RedisCleanupQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisCleanupQueue{
		client:        redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:        stream,
		dead:          stream + ":dead",
		group:         orDefault(strings.TrimSpace(cfg.Group), "sweeper"),
		consumer:      orDefault(strings.TrimSpace(cfg.Consumer), util.NewID()),
		log:           zerolog.Nop(),
		jobTTL:        orDefault(cfg.JobTTL, 7*24*time.Hour),
		maxRetries:    orDefault(cfg.MaxRetries, 5),
		retryDelay:    orDefault(cfg.RetryDelay, 5*time.Second),
		maxRetryDelay: orDefault(cfg.MaxRetryDelay, 5*time.Minute),
		block:         orDefault(cfg.Block, 5*time.Second),
		claimIdle:     orDefault(cfg.ClaimIdle, 30*time.Second),
		maxLen:        orDefault(cfg.MaxLen, int64(10000)),
		batch:         orDefault(cfg.Batch, int64(10)),
	}
	if cfg.Logger != nil {
		q.log = cfg.Logger.With().Str("component", "cleanup-queue").Logger()
	}
	return q, nil
}

func orDefault[T int | int64 | time.Duration | string](v, def T) T {
	var zero T
	if v <= zero {
		return def
	}
	return v
}

// Close releases the Redis client.
func (q *RedisCleanupQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job and appends it to the stream in one
// transaction.
func (q *RedisCleanupQueue) Enqueue(ctx context.Context, locator string) (CleanupJob, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return CleanupJob{}, errors.New("locator required")
	}
	now := time.Now().UTC()
	job := CleanupJob{
		ID:        util.NewID(),
		Locator:   locator,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	pipe := q.client.TxPipeline()
	q.putJob(ctx, pipe, job)
	pipe.XAdd(ctx, q.entry(q.stream, job.ID, job.Locator, nil))
	if _, err := pipe.Exec(ctx); err != nil {
		return CleanupJob{}, fmt.Errorf("enqueue cleanup: %w", err)
	}
	return job, nil
}

// GetJob returns the stored status of a job.
func (q *RedisCleanupQueue) GetJob(ctx context.Context, jobID string) (CleanupJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return CleanupJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return CleanupJob{}, false, err
	}
	if len(data) == 0 {
		return CleanupJob{}, false, nil
	}
	return decodeCleanupJob(jobID, data), true, nil
}

// DeadLetters returns up to count jobs that exhausted their retries, oldest first.
func (q *RedisCleanupQueue) DeadLetters(ctx context.Context, count int64) ([]CleanupJob, error) {
	msgs, err := q.client.XRangeN(ctx, q.dead, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]CleanupJob, 0, len(msgs))
	for _, msg := range msgs {
		jobID, _ := msg.Values["job_id"].(string)
		if job, ok, err := q.GetJob(ctx, jobID); err == nil && ok {
			out = append(out, job)
			continue
		}
		locator, _ := msg.Values["locator"].(string)
		reason, _ := msg.Values["error"].(string)
		out = append(out, CleanupJob{ID: jobID, Locator: locator, Status: StatusFailed, ErrorMessage: reason})
	}
	return out, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisCleanupQueue) Start(ctx context.Context, concurrency int, handler Handler) *sync.WaitGroup {
	q.ensureGroup(ctx)
	var wg sync.WaitGroup
	for i := range max(concurrency, 1) {
		wg.Add(1)
		go func(consumer string) {
			defer wg.Done()
			q.consume(ctx, consumer, handler)
		}(fmt.Sprintf("%s-%d", q.consumer, i))
	}
	return &wg
}

func (q *RedisCleanupQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// "0" so entries enqueued before the first consumer started are delivered.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.log.Warn().Err(err).Msg("create consumer group")
		}
	})
}

func (q *RedisCleanupQueue) consume(ctx context.Context, consumer string, handler Handler) {
	log := q.log.With().Str("consumer", consumer).Logger()
	for ctx.Err() == nil {
		// entries a crashed consumer left pending come first
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    q.batch,
		}).Result()
		if err == nil {
			q.process(ctx, consumer, claimed, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.batch,
			Block:    q.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil) || ctx.Err() != nil:
			continue
		case err != nil:
			log.Warn().Err(err).Msg("read stream")
			sleepCtx(ctx, time.Second)
			continue
		}
		for _, s := range streams {
			q.process(ctx, consumer, s.Messages, handler)
		}
	}
}

func (q *RedisCleanupQueue) process(ctx context.Context, consumer string, msgs []redis.XMessage, handler Handler) {
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		q.handle(ctx, consumer, msg, handler)
	}
}

func (q *RedisCleanupQueue) handle(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	locator, _ := msg.Values["locator"].(string)
	if jobID == "" || locator == "" {
		q.drop(ctx, msg.ID)
		return
	}
	// a stale entry for a job that already finished must not run again
	if prev, ok, err := q.GetJob(ctx, jobID); err == nil && ok && (prev.Status == StatusDone || prev.Status == StatusFailed) {
		q.drop(ctx, msg.ID)
		return
	}
	job, err := q.update(ctx, jobID, func(j *CleanupJob) {
		j.Locator = locator
		j.Attempts++
		j.Status = StatusProcessing
	})
	if err != nil {
		// leave it pending; XAUTOCLAIM brings it back
		q.log.Warn().Err(err).Str("job_id", jobID).Msg("mark job processing")
		return
	}

	herr := handler(ctx, job)
	log := q.log.With().Str("job_id", jobID).Str("locator", locator).Int("attempt", job.Attempts).Logger()
	switch {
	case herr == nil:
		_, _ = q.update(ctx, jobID, func(j *CleanupJob) { j.Status, j.ErrorMessage = StatusDone, "" })
		q.drop(ctx, msg.ID)
	case job.Attempts >= q.maxRetries:
		log.Error().Err(herr).Msg("blob cleanup gave up")
		_, _ = q.update(ctx, jobID, func(j *CleanupJob) { j.Status, j.ErrorMessage = StatusFailed, herr.Error() })
		if err := q.bury(ctx, msg.ID, jobID, locator, herr); err != nil {
			log.Warn().Err(err).Msg("move job to dead letters")
		}
	default:
		delay := q.backoff(job.Attempts)
		log.Warn().Err(herr).Dur("retry_in", delay).Msg("blob cleanup failed")
		_, _ = q.update(ctx, jobID, func(j *CleanupJob) { j.Status, j.ErrorMessage = StatusQueued, herr.Error() })
		if !q.hold(ctx, consumer, msg.ID, delay) {
			return
		}
		if err := q.requeue(ctx, msg.ID, jobID, locator); err != nil {
			log.Warn().Err(err).Msg("requeue job")
		}
	}
}

// backoff doubles the retry delay per attempt up to maxRetryDelay.
func (q *RedisCleanupQueue) backoff(attempt int) time.Duration {
	d := q.retryDelay
	for i := 1; i < attempt && d < q.maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, q.maxRetryDelay)
}

// hold waits for d while keeping msgID claimed by consumer, so XAUTOCLAIM in
// other consumers does not pick it up mid-backoff. It reports false if ctx
// ended or the entry is no longer pending.
func (q *RedisCleanupQueue) hold(ctx context.Context, consumer, msgID string, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(max(q.claimIdle/3, time.Millisecond))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-tick.C:
			ids, err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   q.stream,
				Group:    q.group,
				Consumer: consumer,
				Messages: []string{msgID},
			}).Result()
			if err != nil {
				q.log.Warn().Err(err).Str("msg_id", msgID).Msg("refresh pending entry")
				continue
			}
			if len(ids) == 0 {
				return false
			}
		}
	}
}

func (q *RedisCleanupQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeue appends a fresh entry and acks the old one atomically, so a failed
// requeue leaves the original pending.
func (q *RedisCleanupQueue) requeue(ctx context.Context, msgID, jobID, locator string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.entry(q.stream, jobID, locator, nil))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisCleanupQueue) bury(ctx context.Context, msgID, jobID, locator string, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.entry(q.dead, jobID, locator, map[string]any{"error": cause.Error()}))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisCleanupQueue) entry(stream, jobID, locator string, extra map[string]any) *redis.XAddArgs {
	values := map[string]any{"job_id": jobID, "locator": locator}
	for k, v := range extra {
		values[k] = v
	}
	return &redis.XAddArgs{Stream: stream, MaxLen: q.maxLen, Approx: true, Values: values}
}

func (q *RedisCleanupQueue) update(ctx context.Context, jobID string, mutate func(*CleanupJob)) (CleanupJob, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return CleanupJob{}, err
	}
	if !ok {
		job = CleanupJob{ID: jobID}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	pipe := q.client.TxPipeline()
	q.putJob(ctx, pipe, job)
	if _, err := pipe.Exec(ctx); err != nil {
		return CleanupJob{}, err
	}
	return job, nil
}

func (q *RedisCleanupQueue) putJob(ctx context.Context, pipe redis.Pipeliner, job CleanupJob) {
	key := q.jobKey(job.ID)
	pipe.HSet(ctx, key, map[string]any{
		"locator":   job.Locator,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
}

func (q *RedisCleanupQueue) jobKey(jobID string) string {
	return q.stream + ":job:" + jobID
}

func decodeCleanupJob(jobID string, data map[string]string) CleanupJob {
	job := CleanupJob{
		ID:           jobID,
		Locator:      data["locator"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	job.Attempts, _ = strconv.Atoi(data["attempts"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, data["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, data["updatedAt"])
	return job
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
