package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wzdat/wzdat/pkg/engine"
)

// Metrics provides Prometheus metrics for resolve passes and unit runs.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   prometheus.Counter
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	activePasses    prometheus.Gauge

	// Unit metrics
	unitDecisions *prometheus.CounterVec
	unitRuns      *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec

	// Error metrics
	configurationErrors *prometheus.CounterVec
	orphansReconciled   prometheus.Counter

	// Artifact metrics
	artifactWrites *prometheus.CounterVec
	artifactRows   *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a collector whose methods do nothing.
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

		passesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of resolve passes started",
			},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of resolve passes completed",
			},
			[]string{"status"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of resolve passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Current number of running resolve passes",
			},
		),

		unitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_decisions_total",
				Help:      "Total number of unit decisions by outcome",
			},
			[]string{"decision"},
		),
		unitRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_runs_total",
				Help:      "Total number of unit executions",
			},
			[]string{"status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_run_duration_seconds",
				Help:      "Duration of unit executions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		configurationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "configuration_errors_total",
				Help:      "Total number of passes aborted by configuration errors",
			},
			[]string{"code"},
		),
		orphansReconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_reconciled_total",
				Help:      "Total number of orphaned run records reset",
			},
		),

		artifactWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_writes_total",
				Help:      "Total number of artifact writes",
			},
			[]string{"mode"},
		),
		artifactRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_rows_written_total",
				Help:      "Total number of artifact rows written",
			},
			[]string{"mode"},
		),
	}

	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.activePasses,
		m.unitDecisions,
		m.unitRuns,
		m.unitDuration,
		m.configurationErrors,
		m.orphansReconciled,
		m.artifactWrites,
		m.artifactRows,
	)

	return m, nil
}

// Pass Metrics

// RecordPassStarted counts a started pass.
func (m *Metrics) RecordPassStarted() {
	if m.registry == nil {
		return
	}
	m.passesStarted.Inc()
	m.activePasses.Inc()
}

// RecordPassCompleted records a finished pass with its status and duration.
func (m *Metrics) RecordPassCompleted(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.passesCompleted.WithLabelValues(status).Inc()
	m.passDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePasses.Dec()
}

// Unit Metrics

// RecordUnitDecision counts a unit decision.
func (m *Metrics) RecordUnitDecision(decision string) {
	if m.registry == nil {
		return
	}
	m.unitDecisions.WithLabelValues(decision).Inc()
}

// RecordUnitRun records a unit execution.
func (m *Metrics) RecordUnitRun(status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.unitRuns.WithLabelValues(status).Inc()
	m.unitDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Error Metrics

// RecordConfigurationError counts a pass aborted by a configuration error.
func (m *Metrics) RecordConfigurationError(code string) {
	if m.registry == nil {
		return
	}
	m.configurationErrors.WithLabelValues(code).Inc()
}

// RecordOrphansReconciled counts reset orphan records.
func (m *Metrics) RecordOrphansReconciled(count int) {
	if m.registry == nil {
		return
	}
	m.orphansReconciled.Add(float64(count))
}

// Artifact Metrics

// RecordArtifactWrite counts an artifact write and its rows.
func (m *Metrics) RecordArtifactWrite(mode string, rows int) {
	if m.registry == nil {
		return
	}
	m.artifactWrites.WithLabelValues(mode).Inc()
	m.artifactRows.WithLabelValues(mode).Add(float64(rows))
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
