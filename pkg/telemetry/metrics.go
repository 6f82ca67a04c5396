package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the orchestrator, the provider
// adapters, and the reconciler. It satisfies engine.MetricsRecorder. A
// Metrics built with Enabled=false keeps every collector nil and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	deploymentsStarted   *prometheus.CounterVec
	deploymentsCompleted *prometheus.CounterVec
	deploymentDuration   *prometheus.HistogramVec
	stateTransitions     *prometheus.CounterVec
	errorsByCode         *prometheus.CounterVec
	activeDeployments    prometheus.Gauge

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	reconcileRuns     *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	machinesDrifted   prometheus.Gauge
}

// NewMetrics creates a metrics collector backed by a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "machinist"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployments submitted",
			},
			[]string{"type"},
		),
		deploymentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_completed_total",
				Help:      "Total number of deployments reaching a terminal state",
			},
			[]string{"type", "state"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall-clock duration of deployments in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "state"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of deployment state transitions",
			},
			[]string{"from", "to"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
		activeDeployments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_deployments",
				Help:      "Current number of non-terminal deployments",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider API errors",
			},
			[]string{"provider", "operation"},
		),

		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Total number of reconciliation sweeps",
			},
			[]string{"status"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconciliation sweeps in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		machinesDrifted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "machines_drifted",
				Help:      "Number of machines whose observed state diverges from recorded state",
			},
		),
	}

	registry.MustRegister(
		m.deploymentsStarted,
		m.deploymentsCompleted,
		m.deploymentDuration,
		m.stateTransitions,
		m.errorsByCode,
		m.activeDeployments,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.reconcileRuns,
		m.reconcileDuration,
		m.machinesDrifted,
	)

	return m
}

// Handler serves the registered metrics. It returns a 404 handler when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Deployment metrics

// RecordDeploymentStarted counts a submitted deployment.
func (m *Metrics) RecordDeploymentStarted(deploymentType string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(deploymentType).Inc()
	m.activeDeployments.Inc()
}

// RecordDeploymentCompleted counts a deployment reaching a terminal state.
func (m *Metrics) RecordDeploymentCompleted(deploymentType, state string, duration time.Duration) {
	if m.deploymentsCompleted == nil {
		return
	}
	m.deploymentsCompleted.WithLabelValues(deploymentType, state).Inc()
	m.deploymentDuration.WithLabelValues(deploymentType, state).Observe(duration.Seconds())
	m.activeDeployments.Dec()
}

// RecordStateTransition counts a deployment state transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	if m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordError counts an error by its stable code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Provider metrics

// RecordProviderCall records a provider API call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a failed provider API call.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Reconciler metrics

// RecordReconcileRun records a completed reconciliation sweep.
func (m *Metrics) RecordReconcileRun(status string, duration time.Duration) {
	if m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileDuration.Observe(duration.Seconds())
}

// SetMachinesDrifted publishes the drifted machine count from the last sweep.
func (m *Metrics) SetMachinesDrifted(count int) {
	if m.machinesDrifted == nil {
		return
	}
	m.machinesDrifted.Set(float64(count))
}
