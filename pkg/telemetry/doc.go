// Package telemetry provides observability instrumentation for manifest runs.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a single
// Telemetry value that the CLI builds once per process.
//
// # Usage
//
// Initialize telemetry at startup and hand its observer to the manager:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	manager := engine.NewManager(cache, engine.WithObserver(tel.Observer()))
//
//	ctx = tel.WithContext(ctx)
//	ctx = telemetry.WithRunContext(ctx, runID, "apply", "prod")
//	err = manager.ApplyManifest(ctx, "logs", false, "prod")
//	telemetry.EndRunContext(ctx, err)
//
// # Manager Observer
//
// ManagerObserver implements engine.Observer and engine.ProcessHooks. For
// every action the manager runs it opens a "manifest.<action>" span, and for
// every dependency processed on the way a "dependency.<action>" child span.
// Skips are recorded as span events, metrics and events with their reason
// (environment, manager-environment, skip-flag, execute-once).
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("manager")
//	logger = logger.WithRunID(runID).WithManifest("logs").WithKind("Bucket", "v1")
//	logger.Info("Applying manifest")
//	logger.WithError(err).Error("Apply failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Tracing
//
// Supported exporters:
//
//   - "stdout": pretty-printed spans on stderr (development)
//   - "otlp": export via OTLP/gRPC to a collector
//   - "none": generate spans without exporting them
//
// # Metrics
//
// Metrics are exposed via HTTP at /metrics when enabled (default :9090):
//
//   - animus_runs_started_total{action}
//   - animus_runs_completed_total{action,status}
//   - animus_run_duration_seconds{action,status}
//   - animus_manifests_parsed_total{kind,version}
//   - animus_actions_total{action,outcome}
//   - animus_action_duration_seconds{action}
//   - animus_action_skips_total{action,reason}
//   - animus_dependencies_processed_total{action,status}
//   - animus_errors_by_class_total{class}
//   - animus_errors_by_code_total{code}
//   - animus_policy_violations_total{policy,severity}
//   - animus_active_runs
//
// Error metrics use the class and code of an *engine.EngineError found in
// the error chain; other errors count under the "unknown" class.
//
// # Events
//
// Events are delivered synchronously by default. With EnableAsync a single
// worker delivers buffered events in order, on every flush interval and on
// Shutdown.
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByManifest
package telemetry
