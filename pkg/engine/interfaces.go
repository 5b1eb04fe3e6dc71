package engine

import (
	"context"
	"time"
)

// TaskRunner executes individual tasks on behalf of the engine.
type TaskRunner interface {
	// ExecuteTask runs a task and returns its terminal state. It never fails;
	// handler errors are captured in the returned task's Error field.
	ExecuteTask(ctx context.Context, workflowID string, policy RetryPolicy, task Task) Task

	// Compensate runs a compensation handler exactly once, without retry.
	Compensate(ctx context.Context, workflowID, taskID string, handler CompensationHandler) error
}

// Governor enforces organizational policy over workflows.
type Governor interface {
	// ValidateWorkflow returns a PolicyViolation for the first breached rule.
	ValidateWorkflow(ctx context.Context, wf *Workflow) error

	// ShouldTriggerHumanReview reports whether a generative task result with
	// the given confidence must be reviewed by a human.
	ShouldTriggerHumanReview(ctx context.Context, task *Task, confidence float64) bool

	// EnforceRetention records the scheduled-deletion intent for a workflow.
	EnforceRetention(ctx context.Context, workflowID string) RetentionIntent
}

// StateStore is the append-only execution history.
type StateStore interface {
	// PersistWorkflow appends a workflow-level record.
	PersistWorkflow(ctx context.Context, wf *Workflow) error

	// PersistTask appends a task-level record.
	PersistTask(ctx context.Context, workflowID string, task *Task) error

	// History returns every record of a workflow ordered by timestamp.
	History(ctx context.Context, workflowID string) ([]StateRecord, error)

	// TaskStatus returns the status of the most recent record of a task.
	TaskStatus(ctx context.Context, workflowID, taskID string) (string, bool, error)

	// LatestTaskRecord returns the most recent record of a task.
	LatestTaskRecord(ctx context.Context, workflowID, taskID string) (*StateRecord, bool, error)

	// WorkflowStatus returns the status of the most recent workflow-level record.
	WorkflowStatus(ctx context.Context, workflowID string) (string, bool, error)

	// WorkflowByIdempotencyKey resolves a client idempotency key.
	WorkflowByIdempotencyKey(ctx context.Context, key string) (string, bool, error)
}

// MetricsRecorder receives engine measurements.
type MetricsRecorder interface {
	RecordWorkflowStarted()
	RecordWorkflowCompleted(status string, duration time.Duration)
	RecordTaskSkipped(reason string)
	RecordCompensation(outcome string)
	RecordPolicyViolation(rule string)
	RecordPersistenceError(kind string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type noopMetrics struct{}

func (noopMetrics) RecordWorkflowStarted()                         {}
func (noopMetrics) RecordWorkflowCompleted(string, time.Duration) {}
func (noopMetrics) RecordTaskSkipped(string)                      {}
func (noopMetrics) RecordCompensation(string)                     {}
func (noopMetrics) RecordPolicyViolation(string)                  {}
func (noopMetrics) RecordPersistenceError(string)                 {}
