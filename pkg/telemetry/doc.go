// Package telemetry provides observability instrumentation for graphexec.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) for the instruction builder and the
// two-lane work queue.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Library code that may run without telemetry uses Nop:
//
//	tel := telemetry.Nop()
//
// # Structured Logging
//
// The logger provides component-specific logging with build-scoped fields:
//
//	logger := tel.Logger.NewComponentLogger("interpreter")
//	logger = logger.WithBuildID(id).WithOp("relu", 3)
//	logger.Debug("kernel resolved")
//
// Per-operator detail is logged at debug and trace level; device downgrades
// and missing communication contexts at warn; build summaries at info.
//
// # Distributed Tracing
//
// A build opens one span and a child span per operator:
//
//	ctx, span := tel.Tracer.StartBuildSpan(ctx, id, place.String(), "run")
//	defer span.End()
//	ctx, opSpan := tel.Tracer.StartOpSpan(ctx, op.Type, i)
//
// # Metrics
//
// Metrics live on a private registry exposed by Handler:
//
//	graphexec_builds_total{mode,status}
//	graphexec_build_duration_seconds{mode}
//	graphexec_instructions_built_total{func_type,kernel_kind}
//	graphexec_kernel_fallbacks_total{op_type,path}
//	graphexec_data_transfers_total{transfer_op}
//	graphexec_vars_reclaimed_total
//	graphexec_build_warnings_total{kind}
//	graphexec_errors_by_class_total{class,code}
//	graphexec_queue_tasks_total{lane,status}
//	graphexec_queue_task_duration_seconds{lane}
//	graphexec_device_memory_bytes{place,stat}
//
// All recorders are no-ops on a disabled or nil *Metrics.
package telemetry
