package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg RedisQueueConfig) *RedisCleanupQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	cfg.Addr = redisSrv.Addr()
	if cfg.Stream == "" {
		cfg.Stream = "test:cleanup"
	}
	if cfg.Group == "" {
		cfg.Group = "test-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	q, err := NewRedisCleanupQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *RedisCleanupQueue, jobID, status string) CleanupJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %q, last=%+v", jobID, status, job)
	return CleanupJob{}
}

func TestRedisCleanupQueueEnqueueRejectsEmptyLocator(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	if _, err := q.Enqueue(context.Background(), " "); err == nil {
		t.Fatalf("expected empty locator to be rejected")
	}
}

func TestRedisCleanupQueueDeliversJobsEnqueuedBeforeStart(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 50 * time.Millisecond, RetryDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "videos/a.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("unexpected status %q", job.Status)
	}

	got := make(chan string, 1)
	wg := q.Start(ctx, 1, func(_ context.Context, j CleanupJob) error {
		got <- j.Locator
		return nil
	})
	select {
	case locator := <-got:
		if locator != "videos/a.mp4" {
			t.Fatalf("unexpected locator %q", locator)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job not delivered")
	}
	done := waitForStatus(t, q, job.ID, StatusDone)
	if done.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", done.Attempts)
	}
	cancel()
	wg.Wait()
}

func TestRedisCleanupQueueRetriesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 50 * time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "videos/b.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls atomic.Int32
	wg := q.Start(ctx, 1, func(context.Context, CleanupJob) error {
		calls.Add(1)
		return errors.New("disk busy")
	})
	failed := waitForStatus(t, q, job.ID, StatusFailed)

	var dead []CleanupJob
	deadline := time.Now().Add(3 * time.Second)
	for len(dead) == 0 && time.Now().Before(deadline) {
		if dead, err = q.DeadLetters(context.Background(), 10); err != nil {
			t.Fatalf("dead letters: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	if failed.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("expected two attempts, job=%+v calls=%d", failed, calls.Load())
	}
	if failed.ErrorMessage != "disk busy" {
		t.Fatalf("unexpected error message %q", failed.ErrorMessage)
	}
	if len(dead) != 1 || dead[0].ID != job.ID || dead[0].Locator != "videos/b.mp4" {
		t.Fatalf("expected job in dead letters, got %+v", dead)
	}
	if n, _ := q.client.XLen(context.Background(), q.stream).Result(); n != 0 {
		t.Fatalf("expected work stream drained, len=%d", n)
	}
}

func TestRedisCleanupQueueBackoffOutlastingClaimIdleRunsOncePerAttempt(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{
		Block:      20 * time.Millisecond,
		RetryDelay: 300 * time.Millisecond,
		ClaimIdle:  100 * time.Millisecond,
		MaxRetries: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "videos/d.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls atomic.Int32
	wg := q.Start(ctx, 2, func(context.Context, CleanupJob) error {
		calls.Add(1)
		return errors.New("disk busy")
	})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok, _ := q.GetJob(context.Background(), job.ID); ok && got.Status == StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	// leave room for a late reclaim by the idle worker
	time.Sleep(400 * time.Millisecond)
	cancel()
	wg.Wait()

	dead, err := q.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	got, _, _ := q.GetJob(context.Background(), job.ID)
	if calls.Load() != 3 || got.Attempts != 3 || got.Status != StatusFailed {
		t.Fatalf("expected three attempts, calls=%d job=%+v", calls.Load(), got)
	}
	if len(dead) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(dead))
	}
}

func TestRedisCleanupQueueDropsEntriesOfFinishedJobs(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "videos/e.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.update(ctx, job.ID, func(j *CleanupJob) { j.Status = StatusDone }); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	var calls atomic.Int32
	wg := q.Start(ctx, 1, func(context.Context, CleanupJob) error {
		calls.Add(1)
		return nil
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := q.client.XLen(ctx, q.stream).Result(); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if calls.Load() != 0 {
		t.Fatalf("handler ran for a finished job")
	}
	if n, _ := q.client.XLen(context.Background(), q.stream).Result(); n != 0 {
		t.Fatalf("expected stale entry removed, len=%d", n)
	}
}

func TestRedisCleanupQueueBackoff(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second})
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 5 * time.Second,
		9: 5 * time.Second,
	}
	for attempt, want := range cases {
		if got := q.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestRedisCleanupQueueDropsMalformedEntries(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{Block: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: map[string]any{"job_id": "x"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	var calls atomic.Int32
	wg := q.Start(ctx, 1, func(context.Context, CleanupJob) error {
		calls.Add(1)
		return nil
	})
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := q.client.XLen(ctx, q.stream).Result(); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	if calls.Load() != 0 {
		t.Fatalf("handler should not see malformed entries")
	}
	if n, _ := q.client.XLen(context.Background(), q.stream).Result(); n != 0 {
		t.Fatalf("expected malformed entry removed, len=%d", n)
	}
}

func TestRedisCleanupQueueRequeueMovesEntry(t *testing.T) {
	q, ctx, msgID, jobID, locator := newPendingQueueMessage(t)

	if err := q.requeue(ctx, msgID, jobID, locator); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["locator"] != locator {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisCleanupQueueFailedRequeueKeepsPendingEntry(t *testing.T) {
	q, ctx, msgID, jobID, locator := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeue(canceledCtx, msgID, jobID, locator); err == nil {
		t.Fatalf("expected requeue to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisCleanupQueue, context.Context, string, string, string) {
	t.Helper()
	q := newTestQueue(t, RedisQueueConfig{RetryDelay: time.Millisecond})

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "videos/c.mp4")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job.ID, job.Locator
}
