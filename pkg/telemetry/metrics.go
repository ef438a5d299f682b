package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/phasegate/pkg/engine"
)

// Command result labels.
const (
	CommandResultOK       = "ok"
	CommandResultFailed   = "failed"
	CommandResultTimeout  = "timeout"
	CommandResultNotFound = "not_found"
)

// Metrics provides Prometheus metrics for phasegate.
type Metrics struct {
	config MetricsConfig

	// Phase metrics
	phaseRuns     *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	phaseStatus   *prometheus.GaugeVec

	// Reconcile metrics
	reconcileOutcomes *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	verifyAttempts    *prometheus.HistogramVec

	// Command metrics
	commandsExecuted *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePhases prometheus.Gauge

	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Every Record method is a no-op on a disabled instance.
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

		phaseRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_runs_total",
				Help:      "Total number of phase runs by final status",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase runs in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "status"},
		),
		phaseStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_status",
				Help:      "Current status of each phase (1 for the active status, 0 otherwise)",
			},
			[]string{"phase", "status"},
		),

		reconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Total number of reconcile results by resource kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of resource reconciliation in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		verifyAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "verify_attempts",
				Help:      "Number of verify polls needed after creating a resource",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"kind"},
		),

		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of external commands by executable and result",
			},
			[]string{"executable", "result"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of external commands in seconds",
				Buckets:   buckets,
			},
			[]string{"executable", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activePhases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_phases",
				Help:      "Number of phases currently running",
			},
		),
	}

	registry.MustRegister(
		m.phaseRuns,
		m.phaseDuration,
		m.phaseStatus,
		m.reconcileOutcomes,
		m.reconcileDuration,
		m.verifyAttempts,
		m.commandsExecuted,
		m.commandDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activePhases,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Phase Metrics

// SetPhaseStatus marks status as the current status of phase.
func (m *Metrics) SetPhaseStatus(phase string, status engine.PhaseStatus) {
	if m.phaseStatus == nil {
		return
	}
	for _, s := range []engine.PhaseStatus{
		engine.PhaseStatusPending,
		engine.PhaseStatusRunning,
		engine.PhaseStatusComplete,
		engine.PhaseStatusFailed,
	} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.phaseStatus.WithLabelValues(phase, string(s)).Set(value)
	}
}

// RecordPhaseStarted increments the number of running phases.
func (m *Metrics) RecordPhaseStarted(phase string) {
	if m.activePhases == nil {
		return
	}
	m.activePhases.Inc()
	m.SetPhaseStatus(phase, engine.PhaseStatusRunning)
}

// RecordPhaseFinished records a phase run that reached status.
func (m *Metrics) RecordPhaseFinished(phase string, status engine.PhaseStatus, duration time.Duration) {
	if m.phaseRuns == nil {
		return
	}
	m.phaseRuns.WithLabelValues(phase, string(status)).Inc()
	m.phaseDuration.WithLabelValues(phase, string(status)).Observe(duration.Seconds())
	m.activePhases.Dec()
	m.SetPhaseStatus(phase, status)
}

// Reconcile Metrics

// RecordReconcile records one reconcile result.
func (m *Metrics) RecordReconcile(result engine.ReconcileResult) {
	if m.reconcileOutcomes == nil {
		return
	}
	kind := string(result.Resource.Kind)
	m.reconcileOutcomes.WithLabelValues(kind, string(result.Outcome)).Inc()
	m.reconcileDuration.WithLabelValues(kind).Observe(
		(time.Duration(result.DurationMs) * time.Millisecond).Seconds(),
	)
	if result.Attempts > 0 {
		m.verifyAttempts.WithLabelValues(kind).Observe(float64(result.Attempts))
	}
	if result.Failed() {
		m.RecordError(string(engine.ClassForCode(result.Code)), result.Code)
	}
}

// Command Metrics

// RecordCommand records one external command execution.
func (m *Metrics) RecordCommand(executable string, result engine.CommandResult) {
	if m.commandsExecuted == nil {
		return
	}
	label := CommandResultLabel(result)
	m.commandsExecuted.WithLabelValues(executable, label).Inc()
	m.commandDuration.WithLabelValues(executable, label).Observe(result.Duration.Seconds())
}

// CommandResultLabel buckets a command result into a low-cardinality label.
func CommandResultLabel(result engine.CommandResult) string {
	switch {
	case result.TimedOut:
		return CommandResultTimeout
	case result.ExitCode == 127:
		return CommandResultNotFound
	case result.ExitCode != 0:
		return CommandResultFailed
	default:
		return CommandResultOK
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// WriteTextfile writes the registry to path in the text exposition format.
// The write is atomic, so node_exporter never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// StartMetricsServer starts an HTTP server exposing metrics and returns the
// bound address. The listener is opened synchronously so address conflicts
// surface to the caller.
func (m *Metrics) StartMetricsServer() (string, error) {
	if m.registry == nil || m.config.ListenAddress == "" {
		return "", nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	go func() {
		_ = server.Serve(listener)
	}()

	return listener.Addr().String(), nil
}

// Shutdown stops the metrics server if it is running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}
