package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"mediashare/pkg/queue"
)

type stubJobs struct {
	jobs  map[string]queue.CleanupJob
	dead  []queue.CleanupJob
	err   error
	limit int64
}

func (s *stubJobs) GetJob(_ context.Context, id string) (queue.CleanupJob, bool, error) {
	if s.err != nil {
		return queue.CleanupJob{}, false, s.err
	}
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *stubJobs) DeadLetters(_ context.Context, count int64) ([]queue.CleanupJob, error) {
	s.limit = count
	return s.dead, s.err
}

func TestJobStatus(t *testing.T) {
	srv := New(&stubJobs{jobs: map[string]queue.CleanupJob{
		"j1": {ID: "j1", Locator: "videos/a.mp4", Status: "failed", Attempts: 5},
	}}, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job queue.CleanupJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != "failed" || job.Attempts != 5 {
		t.Fatalf("unexpected job: %+v", job)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestJobStatusStoreError(t *testing.T) {
	srv := New(&stubJobs{err: errors.New("redis down")}, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/j1", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestHealthz(t *testing.T) {
	srv := New(&stubJobs{}, zerolog.Nop())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestDeadLetters(t *testing.T) {
	jobs := &stubJobs{dead: []queue.CleanupJob{{ID: "j9", Locator: "videos/x.mp4", Status: "failed"}}}
	srv := New(jobs, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/dead?limit=500", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Items []queue.CleanupJob `json:"items"`
		Count int                `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Items[0].Locator != "videos/x.mp4" {
		t.Fatalf("unexpected dead letters: %+v", resp)
	}
	if jobs.limit != maxDeadLetters {
		t.Fatalf("limit = %d, want capped at %d", jobs.limit, maxDeadLetters)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/dead?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}
