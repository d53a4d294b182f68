package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_runs_total", Help: "Completed reconciliation runs"}, []string{"job"})
	RunsSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_runs_skipped_total", Help: "Runs skipped because another run held the lock"}, []string{"job"})
	RunDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "reconcile_run_duration_seconds", Help: "Wall time of a reconciliation run", Buckets: prometheus.DefBuckets}, []string{"job"})
	ItemsProcessed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_items_total", Help: "Items processed by outcome"}, []string{"job", "outcome"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_rate_limit_rejects_total", Help: "Provider calls held back by the rate limiter"}, []string{"job"})
	DeadLetters      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_dead_letter_total", Help: "Items pushed to the dead-letter feed"}, []string{"job"})
	ManualTriggers   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reconcile_manual_triggers_total", Help: "Runs enqueued through the ops API"}, []string{"job"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reconcile_inflight_items", Help: "Provider calls currently in flight"}, []string{"job"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunsSkipped,
			RunDuration,
			ItemsProcessed,
			RateLimitRejects,
			DeadLetters,
			ManualTriggers,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
