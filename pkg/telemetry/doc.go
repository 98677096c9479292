// Package telemetry provides observability instrumentation for tengil.
//
// It combines structured logging (zerolog, with lumberjack rotation for file
// output), distributed tracing (OpenTelemetry) and metrics (Prometheus).
// Every component has a no-op form so library code never checks for nil.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithRunID(runID).WithActionID(action.ID).Info("action succeeded")
//
// Fields are snake_case: run_id, action_id, resource, tier.
//
// # Tracing
//
// Apply runs produce an apply.run span with one apply.tier child per
// dependency tier and one action.execute span per action. Backend command
// invocations wrapped with RecordBackendCall add backend.<operation> spans.
//
// # Metrics
//
// Metrics live on a private registry:
//
//	tengil_runs_started_total
//	tengil_runs_completed_total{status}
//	tengil_run_duration_seconds{status}
//	tengil_actions_executed_total{kind,status}
//	tengil_action_duration_seconds{kind}
//	tengil_plan_actions{kind}
//	tengil_backend_calls_total{backend,operation}
//	tengil_backend_errors_total{backend,operation}
//	tengil_errors_total{class,code}
//	tengil_drift_items_total{safety,change}
//	tengil_checkpoints_created_total
//
// Serve them for the duration of a run with:
//
//	errCh := tel.Metrics.StartMetricsServer(ctx, ":9464")
package telemetry
