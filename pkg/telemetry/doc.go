// Package telemetry provides logging, tracing, metrics and event publishing
// for wzdat.
//
// # Usage
//
// Initialize telemetry at startup from the telemetry section of wzdat.yaml:
//
//	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// The pieces plug into the resolver directly: Metrics implements
// engine.MetricsRecorder, EventPublisher implements engine.EventPublisher,
// and Logger.Zerolog returns the logger components take.
//
// # Logging
//
// Loggers are zerolog based. Child loggers add the fields used across the
// code base:
//
//	logger := tel.Logger.NewComponentLogger("resolver").WithPassID(id)
//	logger.WithUnit("reports/daily.ipynb").Info("Unit is stale; running")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// NewTracer installs the configured provider globally; the resolver opens a
// "resolve" span per pass and a "unit.execute" span per run. Exporters are
// otlp (gRPC), stdout (pretty JSON on stderr) and none.
//
// # Metrics
//
// Metrics are registered on a private Prometheus registry and served by
// Metrics.Serve, which the watch command runs:
//
//	wzdat_passes_started_total
//	wzdat_passes_completed_total{status}
//	wzdat_pass_duration_seconds{status}
//	wzdat_active_passes
//	wzdat_unit_decisions_total{decision}
//	wzdat_unit_runs_total{status}
//	wzdat_unit_run_duration_seconds{status}
//	wzdat_configuration_errors_total{code}
//	wzdat_orphans_reconciled_total
//	wzdat_artifact_writes_total{mode}
//	wzdat_artifact_rows_written_total{mode}
//
// # Events
//
// Resolver events (pass.started, unit.failed, ...) are stamped with an ID and
// fanned out to subscribers, synchronously by default:
//
//	tel.Events.Subscribe(telemetry.JSONLinesSubscriber(os.Stdout),
//	    telemetry.FilterByLevel(telemetry.EventLevelWarn))
package telemetry
