// Package telemetry exports Prometheus metrics and OpenTelemetry traces for
// discovery, trust evaluation, policy decisions and executions.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flemzord/agentgate/internal/executor"
	"github.com/flemzord/agentgate/internal/policy"
	"github.com/flemzord/agentgate/internal/trust"
)

const namespace = "agentgate"

// Metrics implements gate.Observer on Prometheus collectors.
type Metrics struct {
	probes          *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	evaluations     *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	violations      *prometheus.CounterVec
	executions      *prometheus.CounterVec
	execDuration    prometheus.Histogram
	rateLimited     prometheus.Counter
	cachedArtifacts prometheus.Gauge
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

// NewMetrics registers the collectors with registerer, or the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		probes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Discovery probes by outcome.",
			},
			[]string{"outcome"},
		),
		probeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of discovery probes in seconds.",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trust_evaluations_total",
				Help:      "Trust verdicts by level.",
			},
			[]string{"level", "degraded"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Policy decisions by outcome.",
			},
			[]string{"outcome"},
		),
		violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Policy violations by kind.",
			},
			[]string{"kind"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executed commands by status.",
			},
			[]string{"status"},
		),
		execDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of executed commands in seconds.",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_rate_limited_total",
				Help:      "Gateway requests rejected by the rate limiter.",
			},
		),
		cachedArtifacts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_artifacts",
				Help:      "Artifacts held in the metadata cache.",
			},
		),
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cron_runs_total",
				Help:      "Maintenance job runs by job and status.",
			},
			[]string{"job", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cron_run_duration_seconds",
				Help:      "Duration of maintenance job runs in seconds.",
				Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"job"},
		),
	}
}

// ObserveProbe records a discovery probe.
func (m *Metrics) ObserveProbe(outcome string, elapsed time.Duration) {
	m.probes.WithLabelValues(outcome).Inc()
	m.probeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveEvaluation records a trust verdict.
func (m *Metrics) ObserveEvaluation(r trust.Result) {
	degraded := "false"
	if r.Degraded {
		degraded = "true"
	}
	m.evaluations.WithLabelValues(r.Level.String(), degraded).Inc()
}

// ObserveDecision records a policy decision and each of its violations.
func (m *Metrics) ObserveDecision(d policy.Decision) {
	m.decisions.WithLabelValues(decisionOutcome(d)).Inc()
	for _, v := range d.Violations {
		m.violations.WithLabelValues(string(v.Kind)).Inc()
	}
}

func decisionOutcome(d policy.Decision) string {
	switch {
	case d.Allowed && d.Confirmed:
		return "confirmed"
	case d.Allowed:
		return "allowed"
	case d.Compromised():
		return "compromised"
	default:
		return "blocked"
	}
}

// ObserveExecution records an executed command.
func (m *Metrics) ObserveExecution(r executor.Result, err error) {
	m.executions.WithLabelValues(execStatus(r, err)).Inc()
	m.execDuration.Observe(r.Duration.Seconds())
}

func execStatus(r executor.Result, err error) string {
	var te *executor.TimeoutError
	switch {
	case r.TimedOut || errors.As(err, &te):
		return "timeout"
	case err != nil:
		return "error"
	case r.ExitCode != 0:
		return "nonzero"
	default:
		return "success"
	}
}

// ObserveRateLimited records a rejected gateway request.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}

// SetCachedArtifacts records the cache size.
func (m *Metrics) SetCachedArtifacts(n int) {
	m.cachedArtifacts.Set(float64(n))
}

// ObserveJob records a maintenance job run.
func (m *Metrics) ObserveJob(name string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.jobRuns.WithLabelValues(name, status).Inc()
	m.jobDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
