package engine

import (
	"fmt"
)

// WorkflowStatus represents the overall status of a workflow execution.
type WorkflowStatus string

const (
	// WorkflowStatusPending indicates the workflow has been parsed but not started.
	WorkflowStatusPending WorkflowStatus = "pending"

	// WorkflowStatusRunning indicates the workflow is currently executing.
	WorkflowStatusRunning WorkflowStatus = "running"

	// WorkflowStatusSuccess indicates every task completed successfully.
	WorkflowStatusSuccess WorkflowStatus = "success"

	// WorkflowStatusFailed indicates the workflow was rejected or a task failed.
	WorkflowStatusFailed WorkflowStatus = "failed"
)

// IsTerminal returns true if the workflow status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusSuccess || s == WorkflowStatusFailed
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning,
		WorkflowStatusSuccess, WorkflowStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// TaskStatus represents the execution status of a single task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been executed yet.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates the task is currently executing.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusSuccess indicates the task completed successfully.
	TaskStatusSuccess TaskStatus = "success"

	// TaskStatusFailed indicates the task failed after exhausting its retries.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusRollback indicates the task was compensated after a workflow failure.
	TaskStatusRollback TaskStatus = "rollback"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed || s == TaskStatusRollback
}

// Compensable returns true if a task in this status is eligible for compensation.
func (s TaskStatus) Compensable() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusRollback:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// DataClassification tags the sensitivity of the data a task handles.
type DataClassification string

const (
	// ClassificationPublic is the default classification.
	ClassificationPublic DataClassification = "public"

	// ClassificationPHI marks protected health information.
	ClassificationPHI DataClassification = "phi"

	// ClassificationPII marks personally identifiable information.
	ClassificationPII DataClassification = "pii"

	// ClassificationConfidential marks confidential business data.
	ClassificationConfidential DataClassification = "confidential"
)

// Validate checks if the data classification is valid.
func (c DataClassification) Validate() error {
	switch c {
	case ClassificationPublic, ClassificationPHI, ClassificationPII, ClassificationConfidential:
		return nil
	default:
		return fmt.Errorf("invalid data classification: %s", c)
	}
}

// Task types the governance rules and built-in handlers know about.
const (
	TaskTypeHTTP            = "http"
	TaskTypePython          = "python"
	TaskTypeDatabase        = "database"
	TaskTypeLLM             = "llm"
	TaskTypeRAG             = "rag"
	TaskTypeCustom          = "custom"
	TaskTypeDatabaseWrite   = "database_write"
	TaskTypeExternalAPICall = "external_api_call"
)

// IsGenerative reports whether the task type produces model output that may
// require human review.
func IsGenerative(taskType string) bool {
	return taskType == TaskTypeLLM || taskType == TaskTypeRAG
}
