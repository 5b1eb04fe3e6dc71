package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for SwarmLite. It satisfies both the
// engine and executor metric recorder interfaces.
type Metrics struct {
	config MetricsConfig
	logger zerolog.Logger

	// Workflow metrics
	workflowsStarted   prometheus.Counter
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	activeWorkflows    prometheus.Gauge

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	taskRetries   *prometheus.CounterVec
	tasksSkipped  *prometheus.CounterVec

	// Failure handling metrics
	compensations     *prometheus.CounterVec
	policyViolations  *prometheus.CounterVec
	persistenceErrors *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance: every recorder checks for nil vectors
		return &Metrics{config: cfg, logger: zerolog.Nop()}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		logger:   zerolog.Nop(),
		registry: registry,

		workflowsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflow executions started",
			},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflow executions completed",
			},
			[]string{"status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of workflows executing",
			},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed",
			},
			[]string{"type", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds, including retries",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		taskRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_retries_total",
				Help:      "Total number of task retry attempts",
			},
			[]string{"type"},
		),
		tasksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_skipped_total",
				Help:      "Total number of tasks skipped without running their handler",
			},
			[]string{"reason"},
		),

		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensation attempts by outcome",
			},
			[]string{"outcome"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of governance rule violations",
			},
			[]string{"rule"},
		),
		persistenceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Total number of state store write failures",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsCompleted,
		m.workflowDuration,
		m.activeWorkflows,
		m.tasksExecuted,
		m.taskDuration,
		m.taskRetries,
		m.tasksSkipped,
		m.compensations,
		m.policyViolations,
		m.persistenceErrors,
	)

	return m, nil
}

// SetLogger sets the logger used by the metrics server.
func (m *Metrics) SetLogger(logger zerolog.Logger) {
	m.logger = logger.With().Str("component", "metrics").Logger()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Workflow Metrics

// RecordWorkflowStarted counts a started workflow execution.
func (m *Metrics) RecordWorkflowStarted() {
	if m.workflowsStarted == nil {
		return
	}
	m.workflowsStarted.Inc()
	m.activeWorkflows.Inc()
}

// RecordWorkflowCompleted records a completed workflow with its status and duration.
func (m *Metrics) RecordWorkflowCompleted(status string, duration time.Duration) {
	if m.workflowsCompleted == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(status).Inc()
	m.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeWorkflows.Dec()
}

// Task Metrics

// RecordTaskExecution records one task execution, retries included.
func (m *Metrics) RecordTaskExecution(taskType, status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(taskType, status).Inc()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordTaskRetry counts a retry attempt.
func (m *Metrics) RecordTaskRetry(taskType string) {
	if m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(taskType).Inc()
}

// RecordTaskSkipped counts a task whose handler did not run.
func (m *Metrics) RecordTaskSkipped(reason string) {
	if m.tasksSkipped == nil {
		return
	}
	m.tasksSkipped.WithLabelValues(reason).Inc()
}

// Failure Metrics

// RecordCompensation counts a compensation attempt by outcome.
func (m *Metrics) RecordCompensation(outcome string) {
	if m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// RecordPolicyViolation counts a governance rejection.
func (m *Metrics) RecordPolicyViolation(rule string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(rule).Inc()
}

// RecordPersistenceError counts a failed state store write.
func (m *Metrics) RecordPersistenceError(kind string) {
	if m.persistenceErrors == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(kind).Inc()
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

// StartMetricsServer starts an HTTP server exposing metrics. It is a no-op
// when metrics are disabled or no listen address is configured. The listener
// is bound before returning so address errors surface to the caller.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	m.logger.Info().Str("address", listener.Addr().String()).Str("path", path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
