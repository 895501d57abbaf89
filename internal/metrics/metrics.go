// Package metrics exposes the Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for keirinfeed.
type Registry struct {
	// Stage execution metrics
	StageDuration *prometheus.HistogramVec
	StageItems    *prometheus.CounterVec

	// Upstream fetch metrics
	FetchRequests *prometheus.CounterVec
	FetchRetries  *prometheus.CounterVec

	// Ledger and store metrics
	LedgerTransitions *prometheus.CounterVec
	DeadlockRetries   prometheus.Counter
	BatchFallbacks    prometheus.Counter

	// Run and scheduler metrics
	RunsActive     prometheus.Gauge
	RunsTotal      prometheus.Counter
	SchedulerSkips prometheus.Counter
}

// NewRegistry creates the metric set and registers it with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keirinfeed_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"stage", "result"},
		),

		StageItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keirinfeed_stage_items_total",
				Help: "Items processed per stage by outcome",
			},
			[]string{"stage", "outcome"},
		),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keirinfeed_fetch_requests_total",
				Help: "Upstream fetches by host and classification",
			},
			[]string{"host", "class"},
		),

		FetchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keirinfeed_fetch_retries_total",
				Help: "Retry attempts by host",
			},
			[]string{"host"},
		),

		LedgerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keirinfeed_ledger_transitions_total",
				Help: "race_status column transitions by step and target state",
			},
			[]string{"step", "to"},
		),

		DeadlockRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keirinfeed_deadlock_retries_total",
				Help: "Transactions retried after a deadlock or lock timeout",
			},
		),

		BatchFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keirinfeed_batch_fallbacks_total",
				Help: "Batched writes that fell back to per-row execution",
			},
		),

		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keirinfeed_runs_active",
				Help: "Number of pipeline runs currently in progress",
			},
		),

		RunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keirinfeed_runs_total",
				Help: "Total pipeline runs started",
			},
		),

		SchedulerSkips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keirinfeed_scheduler_skips_total",
				Help: "Triggers skipped because a run was already in progress",
			},
		),
	}

	reg.MustRegister(
		r.StageDuration,
		r.StageItems,
		r.FetchRequests,
		r.FetchRetries,
		r.LedgerTransitions,
		r.DeadlockRetries,
		r.BatchFallbacks,
		r.RunsActive,
		r.RunsTotal,
		r.SchedulerSkips,
	)

	return r
}

// StageTimer tracks execution time for one pipeline stage.
type StageTimer struct {
	metrics *Registry
	stage   string
	start   time.Time
}

// StartStageTimer begins timing a stage.
func (r *Registry) StartStageTimer(stage string) *StageTimer {
	return &StageTimer{metrics: r, stage: stage, start: time.Now()}
}

// Stop records the stage duration under the given result label.
func (t *StageTimer) Stop(result string) {
	duration := time.Since(t.start)
	t.metrics.StageDuration.WithLabelValues(t.stage, result).Observe(duration.Seconds())

	log.Debug().
		Str("stage", t.stage).
		Str("result", result).
		Dur("duration", duration).
		Msg("Stage completed")
}

// RecordItem counts one processed item for a stage.
func (r *Registry) RecordItem(stage, outcome string) {
	r.StageItems.WithLabelValues(stage, outcome).Inc()
}

// RecordFetch counts one upstream request classification.
func (r *Registry) RecordFetch(host, class string) {
	r.FetchRequests.WithLabelValues(host, class).Inc()
}

// RecordRetry counts one retry attempt against a host.
func (r *Registry) RecordRetry(host string) {
	r.FetchRetries.WithLabelValues(host).Inc()
}

// RecordTransition counts one ledger transition.
func (r *Registry) RecordTransition(step, to string) {
	r.LedgerTransitions.WithLabelValues(step, to).Inc()
}

// Handler returns the Prometheus scrape handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// Default is the process-wide registry instance.
var Default *Registry

// Initialize sets up the process-wide registry on the default Prometheus
// registerer.
func Initialize() {
	Default = NewRegistry(prometheus.DefaultRegisterer)
	log.Info().Msg("Prometheus metrics registry initialized")
}
