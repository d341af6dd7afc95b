// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delta outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeRejected  = "rejected"
	OutcomeViolation = "violation"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusAborted = "aborted"
	StatusFailed  = "failed"
)

var (
	// Deltas processed by the engine, by op and outcome.
	DeltasTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offermatch_deltas_total",
			Help: "Deltas processed by the matching engine (by op and outcome).",
		},
		[]string{"op", "outcome"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offermatch_runs_total",
			Help: "Engine runs (by effective mode and status).",
		},
		[]string{"mode", "status"},
	)

	// Products emitted by the last successful run.
	LiveProducts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offermatch_live_products",
			Help: "Number of products emitted by the last successful run.",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offermatch_run_duration_seconds",
			Help:    "Duration of engine runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"mode"},
	)
)

// ObserveDuration records the time since start on a histogram.
func ObserveDuration(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

func IncDelta(op, outcome string) {
	DeltasTotal.WithLabelValues(op, outcome).Inc()
}

func IncRun(mode, status string) {
	RunsTotal.WithLabelValues(mode, status).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on addr in the background. The caller shuts
// the returned server down.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}
