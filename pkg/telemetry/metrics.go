package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the converge engine. All record
// methods are safe to call on a disabled (no-op) instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	providerRetries  *prometheus.CounterVec

	// Wait condition metrics
	waitPolls    *prometheus.CounterVec
	waitDuration *prometheus.HistogramVec

	// System metrics
	activeRuns   prometheus.Gauge
	blockedNodes prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of apply runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of plan actions executed",
			},
			[]string{"op", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of plan action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"op", "resource_type"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"resource_type", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors by class",
			},
			[]string{"resource_type", "operation", "class"},
		),
		providerRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_retries_total",
				Help:      "Total number of provider call retries",
			},
			[]string{"resource_type", "operation"},
		),

		waitPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_polls_total",
				Help:      "Total number of wait condition polls",
			},
			[]string{"resource_type"},
		),
		waitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for readiness conditions",
				Buckets:   buckets,
			},
			[]string{"resource_type"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active apply runs",
			},
		),
		blockedNodes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_nodes_total",
				Help:      "Total number of nodes blocked by failed dependencies",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.providerRetries,
		m.waitPolls,
		m.waitDuration,
		m.activeRuns,
		m.blockedNodes,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordAction records the execution of one plan action.
func (m *Metrics) RecordAction(op, status, resourceType string, duration time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(op, status).Inc()
	m.actionDuration.WithLabelValues(op, resourceType).Observe(duration.Seconds())
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(resourceType, operation string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(resourceType, operation).Inc()
	m.providerDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error by class.
func (m *Metrics) RecordProviderError(resourceType, operation, class string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(resourceType, operation, class).Inc()
}

// RecordProviderRetry records a retried provider call.
func (m *Metrics) RecordProviderRetry(resourceType, operation string) {
	if m.providerRetries == nil {
		return
	}
	m.providerRetries.WithLabelValues(resourceType, operation).Inc()
}

// RecordWaitPoll records one wait condition poll.
func (m *Metrics) RecordWaitPoll(resourceType string) {
	if m.waitPolls == nil {
		return
	}
	m.waitPolls.WithLabelValues(resourceType).Inc()
}

// RecordWaitDuration records the total time a node spent waiting.
func (m *Metrics) RecordWaitDuration(resourceType string, duration time.Duration) {
	if m.waitDuration == nil {
		return
	}
	m.waitDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordBlockedNode records a node skipped due to a failed dependency.
func (m *Metrics) RecordBlockedNode() {
	if m.blockedNodes == nil {
		return
	}
	m.blockedNodes.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
