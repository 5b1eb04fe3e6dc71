package engine

import (
	"context"
	"time"
)

// Task is a single unit of work inside a workflow.
type Task struct {
	// ID is unique within the owning workflow.
	ID string `json:"id"`

	// Type selects the handler that executes the task.
	Type string `json:"type"`

	// DependsOn lists task IDs that must succeed before this task runs.
	DependsOn []string `json:"depends_on"`

	// Config is the opaque handler configuration.
	Config map[string]interface{} `json:"config"`

	// DataClassification tags the sensitivity of the data the task touches.
	DataClassification DataClassification `json:"data_classification"`

	// Status is the current execution status.
	Status TaskStatus `json:"status"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the last error text when the task failed.
	Error string `json:"error,omitempty"`

	// Result is the handler payload when the task succeeded.
	Result interface{} `json:"result,omitempty"`

	// RetryCount is incremented each time the task completes successfully.
	RetryCount int `json:"retry_count"`

	// Attempts is the number of handler invocations used by the last execution.
	Attempts int `json:"attempts,omitempty"`

	// Metadata carries engine annotations such as review flags and
	// compensation outcomes.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SetMetadata sets an annotation on the task, allocating the map if needed.
func (t *Task) SetMetadata(key string, value interface{}) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]interface{})
	}
	t.Metadata[key] = value
}

// RetryPolicy controls how often and how patiently a task is retried.
// It is passed by value and never mutated once attached to a workflow.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts"`
	Delay              time.Duration `json:"delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// Default retry settings applied when a definition omits them.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// DefaultRetryPolicy returns 3 attempts with a 2 second exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        DefaultMaxAttempts,
		Delay:              DefaultRetryDelay,
		ExponentialBackoff: true,
	}
}

// CompensationFunc undoes or flags the effects of a task.
type CompensationFunc func(ctx context.Context, workflowID, taskID string) error

// CompensationHandler is either a named placeholder with no action or an
// executable function. The zero value is not valid; use NotImplemented or
// Executable.
type CompensationHandler struct {
	Name string
	fn   CompensationFunc
}

// NotImplemented returns a handler that records rollback intent only.
func NotImplemented(name string) CompensationHandler {
	return CompensationHandler{Name: name}
}

// Executable returns a handler that runs fn during compensation.
func Executable(name string, fn CompensationFunc) CompensationHandler {
	return CompensationHandler{Name: name, fn: fn}
}

// IsExecutable reports whether the handler carries an action.
func (h CompensationHandler) IsExecutable() bool {
	return h.fn != nil
}

// Run invokes the compensation action. Calling Run on a NotImplemented
// handler returns an error.
func (h CompensationHandler) Run(ctx context.Context, workflowID, taskID string) error {
	if h.fn == nil {
		return NewValidationError("compensation handler "+h.Name+" is not implemented", nil).
			WithWorkflow(workflowID).WithTask(taskID)
	}
	return h.fn(ctx, workflowID, taskID)
}

// Workflow is a named DAG of tasks together with its execution settings.
type Workflow struct {
	ID    string `json:"workflow_id"`
	Tasks []Task `json:"tasks"`

	RetryPolicy RetryPolicy `json:"retry_policy"`

	// Compensations maps task IDs to their compensation handler.
	Compensations map[string]CompensationHandler `json:"-"`

	// IdempotencyKey is the optional client token used to detect duplicates.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// Error holds the reason a workflow failed, if any.
	Error string `json:"error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Task returns a pointer to the task with the given ID, or nil.
func (w *Workflow) Task(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// TaskIDs returns task IDs in declaration order.
func (w *Workflow) TaskIDs() []string {
	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		ids = append(ids, t.ID)
	}
	return ids
}

// SetMetadata sets an annotation on the workflow.
func (w *Workflow) SetMetadata(key string, value interface{}) {
	if w.Metadata == nil {
		w.Metadata = make(map[string]interface{})
	}
	w.Metadata[key] = value
}

// StateRecord is one append-only audit entry. An empty TaskID marks a
// workflow-level record.
type StateRecord struct {
	ID         int64                  `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	TaskID     string                 `json:"task_id,omitempty"`
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details"`
	Signature  string                 `json:"signature,omitempty"`
	SignedAt   *time.Time             `json:"signed_at,omitempty"`
}

// IsWorkflowLevel reports whether the record describes the workflow itself.
func (r *StateRecord) IsWorkflowLevel() bool {
	return r.TaskID == ""
}

// RetentionIntent describes a scheduled deletion that an external lifecycle
// process is expected to carry out.
type RetentionIntent struct {
	WorkflowID    string    `json:"workflow_id"`
	RetentionDays int       `json:"retention_days"`
	DeleteAfter   time.Time `json:"delete_after"`
	Action        string    `json:"action"`
}
