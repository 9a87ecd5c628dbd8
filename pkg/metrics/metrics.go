package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for use case counters.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Metrics provides observability for the credential registry.
type Metrics struct {
	// Use case outcomes by use case and outcome
	UseCaseOutcome *prometheus.CounterVec

	// Use case latency by use case
	UseCaseLatency *prometheus.HistogramVec

	// Status transitions written, by target status
	Transitions *prometheus.CounterVec

	// Tokens released by the expiry sweep
	TokensReleased prometheus.Counter

	// Sweep runs by outcome
	SweepRuns *prometheus.CounterVec

	// Audit events removed by retention
	AuditPruned prometheus.Counter
}

// New creates a Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		UseCaseOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credreg_use_case_total",
			Help: "Total use case invocations by use case and outcome",
		}, []string{"use_case", "outcome"}),

		UseCaseLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credreg_use_case_duration_seconds",
			Help:    "Duration of use case transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"use_case"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credreg_status_transitions_total",
			Help: "Status records opened by target status",
		}, []string{"status"}),

		TokensReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "credreg_tokens_released_total",
			Help: "Tokens released by the expiry sweep",
		}),

		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credreg_token_sweep_runs_total",
			Help: "Token expiry sweep runs by outcome",
		}, []string{"outcome"}),

		AuditPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "credreg_audit_events_pruned_total",
			Help: "Audit events deleted by retention",
		}),
	}
}

// ObserveUseCase records one use case invocation.
func (m *Metrics) ObserveUseCase(useCase, outcome string, d time.Duration) {
	if m != nil {
		m.UseCaseOutcome.WithLabelValues(useCase, outcome).Inc()
		m.UseCaseLatency.WithLabelValues(useCase).Observe(d.Seconds())
	}
}

// IncrementTransition records an opened status record.
func (m *Metrics) IncrementTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(released int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRuns.WithLabelValues(OutcomeFailure).Inc()
	} else {
		m.SweepRuns.WithLabelValues(OutcomeSuccess).Inc()
	}
	m.TokensReleased.Add(float64(released))
}

// AddAuditPruned records audit events removed by retention.
func (m *Metrics) AddAuditPruned(n int64) {
	if m != nil && n > 0 {
		m.AuditPruned.Add(float64(n))
	}
}
