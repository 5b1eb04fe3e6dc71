package config

import (
	"time"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// WorkflowDefinition is the declarative document a workflow is built from.
type WorkflowDefinition struct {
	// WorkflowID names the workflow.
	WorkflowID string `json:"workflow_id" validate:"required"`

	// Tasks lists the workflow's tasks in declaration order.
	Tasks []TaskDefinition `json:"tasks" validate:"dive"`

	// RetryPolicy overrides the default retry settings field by field.
	RetryPolicy *RetryPolicyDefinition `json:"retry_policy,omitempty"`

	// CompensationHandlers maps task IDs to compensation handler names.
	CompensationHandlers map[string]string `json:"compensation_handlers,omitempty" validate:"dive,required"`
}

// TaskDefinition describes one task of a workflow definition.
type TaskDefinition struct {
	ID                 string                 `json:"id" validate:"required"`
	Type               string                 `json:"type" validate:"required"`
	DependsOn          []string               `json:"depends_on,omitempty" validate:"dive,required"`
	Config             map[string]interface{} `json:"config,omitempty"`
	DataClassification string                 `json:"data_classification,omitempty" validate:"omitempty,oneof=public phi pii confidential"`
}

// RetryPolicyDefinition carries optional retry overrides. Nil fields fall
// back to engine.DefaultRetryPolicy.
type RetryPolicyDefinition struct {
	MaxAttempts        *int     `json:"max_attempts,omitempty" validate:"omitempty,min=1"`
	DelaySeconds       *float64 `json:"delay_seconds,omitempty" validate:"omitempty,gte=0"`
	ExponentialBackoff *bool    `json:"exponential_backoff,omitempty"`
}

// toPolicy applies the overrides to the default retry policy.
func (d *RetryPolicyDefinition) toPolicy() engine.RetryPolicy {
	policy := engine.DefaultRetryPolicy()
	if d == nil {
		return policy
	}
	if d.MaxAttempts != nil {
		policy.MaxAttempts = *d.MaxAttempts
	}
	if d.DelaySeconds != nil {
		policy.Delay = time.Duration(*d.DelaySeconds * float64(time.Second))
	}
	if d.ExponentialBackoff != nil {
		policy.ExponentialBackoff = *d.ExponentialBackoff
	}
	return policy
}

// toTask builds an engine task with the definition defaults applied.
func (d TaskDefinition) toTask() engine.Task {
	task := engine.Task{
		ID:                 d.ID,
		Type:               d.Type,
		DependsOn:          d.DependsOn,
		Config:             d.Config,
		DataClassification: engine.DataClassification(d.DataClassification),
		Status:             engine.TaskStatusPending,
	}
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}
	if task.Config == nil {
		task.Config = map[string]interface{}{}
	}
	if task.DataClassification == "" {
		task.DataClassification = engine.ClassificationPublic
	}
	return task
}
