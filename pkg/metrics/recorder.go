// Package metrics provides Prometheus recording and querying for the build
// orchestration pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder publishes pipeline metrics to Prometheus.
type Recorder struct {
	runsTotal          *prometheus.CounterVec
	iterationsTotal    *prometheus.CounterVec
	iterationDuration  *prometheus.HistogramVec
	evaluationScore    *prometheus.HistogramVec
	chaosEventsTotal   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	activeWorkers      prometheus.Gauge
	llmTokensTotal     *prometheus.CounterVec
	llmCostsTotal      *prometheus.CounterVec
}

// NewRecorder creates a recorder with all pipeline metrics registered on the
// default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_runs_total",
				Help: "Total runs by tenant and terminal status",
			},
			[]string{"tenant_id", "status"},
		),
		iterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_iterations_total",
				Help: "Total build-evaluate iterations by tenant and outcome",
			},
			[]string{"tenant_id", "outcome"},
		),
		iterationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "builder_iteration_duration_seconds",
				Help:    "Duration of one build-evaluate iteration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),
		evaluationScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "builder_evaluation_score",
				Help:    "Evaluation scores on the 0-100 scale",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
			},
			[]string{"tenant_id"},
		),
		chaosEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_chaos_events_total",
				Help: "Chaos events by type and recovery outcome",
			},
			[]string{"chaos_type", "outcome"},
		),
		breakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "builder_breaker_transitions_total",
				Help: "Circuit breaker state transitions by failure class",
			},
			[]string{"failure_class", "to_state"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "builder_queue_depth",
				Help: "Queued jobs per tenant",
			},
			[]string{"tenant_id"},
		),
		activeWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "builder_active_workers",
				Help: "Workers currently executing a job",
			},
		),
		llmTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "LLM tokens used, by run and type",
			},
			[]string{"run_id", "stage", "type"},
		),
		llmCostsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_costs_total",
				Help: "LLM spend in USD, by run",
			},
			[]string{"run_id", "stage"},
		),
	}
}

// ObserveRunTerminal records a run reaching a terminal status.
func (r *Recorder) ObserveRunTerminal(tenantID, status string) {
	r.runsTotal.WithLabelValues(tenantID, status).Inc()
}

// ObserveIteration records one completed iteration.
func (r *Recorder) ObserveIteration(tenantID, outcome string, duration time.Duration) {
	r.iterationsTotal.WithLabelValues(tenantID, outcome).Inc()
	r.iterationDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// ObserveEvaluation records an evaluation score.
func (r *Recorder) ObserveEvaluation(tenantID string, score float64) {
	r.evaluationScore.WithLabelValues(tenantID).Observe(score)
}

// ObserveChaosEvent records a resolved chaos event.
func (r *Recorder) ObserveChaosEvent(chaosType string, recovered bool) {
	outcome := "recovered"
	if !recovered {
		outcome = "failed"
	}
	r.chaosEventsTotal.WithLabelValues(chaosType, outcome).Inc()
}

// ObserveBreakerTransition records a circuit breaker state change.
func (r *Recorder) ObserveBreakerTransition(failureClass, toState string) {
	r.breakerTransitions.WithLabelValues(failureClass, toState).Inc()
}

// SetQueueDepth updates the queued-job gauge for a tenant.
func (r *Recorder) SetQueueDepth(tenantID string, depth int) {
	r.queueDepth.WithLabelValues(tenantID).Set(float64(depth))
}

// SetActiveWorkers updates the busy-worker gauge.
func (r *Recorder) SetActiveWorkers(n int) {
	r.activeWorkers.Set(float64(n))
}

// ObserveLLMUsage records token and cost spend for one agent call.
func (r *Recorder) ObserveLLMUsage(runID, stage string, promptTokens, completionTokens int, cost float64) {
	r.llmTokensTotal.WithLabelValues(runID, stage, "prompt").Add(float64(promptTokens))
	r.llmTokensTotal.WithLabelValues(runID, stage, "completion").Add(float64(completionTokens))
	r.llmCostsTotal.WithLabelValues(runID, stage).Add(cost)
}
