// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RechargesTotal counts committed recharge lots.
	RechargesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_recharges_total",
		Help: "Total number of recharge lots recorded",
	})

	// PurchasesTotal counts committed purchase lots.
	PurchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_purchases_total",
		Help: "Total number of purchase lots committed",
	})

	// SellsTotal counts committed sell records.
	SellsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_sells_total",
		Help: "Total number of sell records committed",
	})

	// DeletesTotal counts record deletions, partitioned by kind.
	DeletesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_deletes_total",
		Help: "Total number of records deleted",
	}, []string{"kind"})

	// RejectionsTotal counts mutations refused by an engine policy.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Mutations rejected by engine policy",
	}, []string{"reason"})

	// CommitConflictsTotal counts guarded commits that aborted and retried.
	CommitConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_commit_conflicts_total",
		Help: "Guarded commits aborted by a concurrent writer",
	}, []string{"operation"})

	// EventClients tracks connected WebSocket clients.
	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_event_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
