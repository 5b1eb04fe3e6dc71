// Package telemetry provides observability for SwarmLite.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an audit event publisher.
//
// # Usage
//
// Build telemetry once at process start and hand its parts to the
// components that need them:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	exec := executor.New(tel.Logger.Zerolog(),
//	    executor.WithMetrics(tel.Metrics),
//	    executor.WithTracer(tel.Tracer.Tracer()),
//	)
//
// # Metrics
//
// Metrics implements the recorder interfaces of both the engine and the
// executor. All metrics live in a private registry served by
// StartMetricsServer on the configured address:
//
//   - workflows_started_total, workflows_completed_total{status}
//   - workflow_duration_seconds{status}, active_workflows
//   - tasks_executed_total{type,status}, task_duration_seconds{type}
//   - task_retries_total{type}, tasks_skipped_total{reason}
//   - compensations_total{outcome}, policy_violations_total{rule}
//   - persistence_errors_total{kind}
//
// # Audit events
//
// EventPublisher delivers governance audit events (validation passed, human
// review required, retention scheduled, policy violation) to subscribers.
// NewTelemetry subscribes a logger so every event also lands in the log.
//
// # Tracing
//
// Exporters are "stdout", "otlp" (gRPC) or "none". The engine opens a
// workflow.execute span per run and the executor a task.execute span per task.
package telemetry
