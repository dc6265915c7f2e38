// Package metrics exposes Prometheus collectors for the session pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rehearse"

// Metrics holds every collector the pipeline records into.
type Metrics struct {
	sessionsStarted  *prometheus.CounterVec
	gateRefusals     prometheus.Counter
	assessments      *prometheus.CounterVec
	gradingCalls     *prometheus.CounterVec
	fetchAttempts    *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	sweepResumed     *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "started_total",
			Help:      "Sessions created, by mode and whether the ID was new.",
		}, []string{"mode", "created"}),
		gateRefusals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "gate_refusals_total",
			Help:      "Theory sessions refused because a prior one awaits assessment.",
		}),
		assessments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assessment",
			Name:      "runs_total",
			Help:      "Assessment requests by outcome (graded, partial, recorded, failed, cached).",
		}, []string{"outcome"}),
		gradingCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assessment",
			Name:      "grading_calls_total",
			Help:      "Per-exchange grading calls by result.",
		}, []string{"result"}),
		fetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Provider fetch attempts by response class.",
		}, []string{"class"}),
		pipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "assessment",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall time of an assessment pipeline run.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		sweepResumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "sessions_total",
			Help:      "Stale linked sessions retried by the sweeper, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) SessionStarted(mode string, created bool) {
	if m == nil {
		return
	}
	c := "false"
	if created {
		c = "true"
	}
	m.sessionsStarted.WithLabelValues(mode, c).Inc()
}

func (m *Metrics) GateRefused() {
	if m == nil {
		return
	}
	m.gateRefusals.Inc()
}

// Assessment records one pipeline run and, when d > 0, its duration.
func (m *Metrics) Assessment(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.assessments.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.pipelineDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) GradingCall(result string) {
	if m == nil {
		return
	}
	m.gradingCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) FetchAttempt(class string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(class).Inc()
}

func (m *Metrics) SweepResult(result string) {
	if m == nil {
		return
	}
	m.sweepResumed.WithLabelValues(result).Inc()
}
