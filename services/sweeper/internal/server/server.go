package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mediashare/internal/metrics"
	"mediashare/internal/util"
	"mediashare/pkg/queue"
)

// JobReader looks up cleanup job status.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (queue.CleanupJob, bool, error)
	DeadLetters(ctx context.Context, count int64) ([]queue.CleanupJob, error)
}

const maxDeadLetters = 100

// Server exposes health, metrics and job status for the sweeper.
type Server struct {
	jobs   JobReader
	log    zerolog.Logger
	router chi.Router
}

// New constructs the sweeper's status server.
func New(jobs JobReader, logger zerolog.Logger) *Server {
	s := &Server{jobs: jobs, log: logger}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(s.log.WithContext(r.Context())))
		})
	})
	r.Use(util.WithRequestID)
	r.Use(func(next http.Handler) http.Handler {
		return util.WithRequestLog(next, metrics.ObserveRequest)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/jobs/dead", s.handleDeadLetters)
	r.Get("/jobs/{id}", s.handleJob)
	s.router = r
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("get cleanup job")
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "CLEANUP_JOB_NOT_FOUND", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeadLetters lists blobs the sweeper gave up on; they need manual removal.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	count := int64(maxDeadLetters)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "SYSTEM_INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		count = min(n, maxDeadLetters)
	}
	jobs, err := s.jobs.DeadLetters(r.Context(), count)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list dead letters")
		writeError(w, http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "count": len(jobs)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}
