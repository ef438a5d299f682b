// Package telemetry provides observability instrumentation for phasegate.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing so that every
// phase run leaves a trail an operator can follow.
//
// # Usage
//
// Initialize telemetry at startup and shut it down on exit:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Wire it into the engine:
//
//	runner := telemetry.InstrumentRunner(runner.NewLocalRunner(logger), tel)
//	eng, err := engine.New(ctx, specs, runner,
//	    engine.WithLogger(tel.Logger.Zerolog()),
//	    engine.WithObserver(telemetry.NewObserver(tel, runID)),
//	)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("cli").WithPhase("infra")
//	logger.Info("Running phase")
//	logger.WithError(err).Error("Phase failed")
//
// Logs go to stderr by default so stdout stays free for command output.
//
// # Distributed Tracing
//
// A configured tracer is installed as the global OpenTelemetry provider, so
// the engine's run and phase spans are exported along with the command spans
// created by InstrumentedRunner. Supported exporters are "otlp" (gRPC),
// "stdout" (stderr, pretty printed) and "none".
//
// # Metrics
//
// Key metrics exposed:
//
//   - phasegate_phase_runs_total{phase,status}
//   - phasegate_phase_duration_seconds{phase,status}
//   - phasegate_phase_status{phase,status}
//   - phasegate_reconcile_outcomes_total{kind,outcome}
//   - phasegate_verify_attempts{kind}
//   - phasegate_commands_executed_total{executable,result}
//   - phasegate_command_duration_seconds{executable,result}
//   - phasegate_errors_by_code_total{code}
//
// Metrics can be served over HTTP (MetricsConfig.ListenAddress) or written
// once at shutdown to a node_exporter textfile (MetricsConfig.TextfilePath).
//
// # Event Publishing
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByPhase.
//
// # Security Considerations
//
// Command spans record the executable only, never arguments. Reconcile
// results reach the observer with sensitive parameters already masked.
package telemetry
