package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts requests by route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediashare",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediashare",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// DeletionsTotal counts cascade outcomes. kind is "video" or "account".
	DeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediashare",
			Subsystem: "cascade",
			Name:      "deletions_total",
			Help:      "Cascade deletions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// BlobDeletionsTotal counts blob delete attempts. outcome is one of
	// deleted, missing, error.
	BlobDeletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediashare",
			Subsystem: "blob",
			Name:      "deletions_total",
			Help:      "Blob delete attempts by outcome",
		},
		[]string{"source", "outcome"},
	)

	CleanupEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mediashare",
			Subsystem: "blob",
			Name:      "cleanup_enqueued_total",
			Help:      "Blob deletions queued for retry",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one finished HTTP request. The chi route pattern is
// used as label so path parameters do not explode cardinality.
func ObserveRequest(r *http.Request, status int, elapsed time.Duration) {
	route := "unmatched"
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}
	HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
}
