package policy

import (
	"time"

	"github.com/swarmlite/swarmlite/pkg/engine"
	"github.com/swarmlite/swarmlite/pkg/telemetry"
)

// Rule identifiers reported in policy violations.
const (
	RulePHIEncryption       = "phi_encryption"
	RuleLLMModelAllowlist   = "llm_model_allowlist"
	RuleBannedPrompt        = "banned_prompt"
	RuleIdempotencyRequired = "idempotency_required"
)

// RetentionAction is the action recorded by EnforceRetention.
const RetentionAction = "scheduled_for_deletion"

// PolicyDocument is the governance configuration loaded from YAML.
type PolicyDocument struct {
	// PolicyVersion identifies the document revision.
	PolicyVersion string `yaml:"policy_version" json:"policy_version" validate:"required"`

	// PolicyOwner is the accountable team or person.
	PolicyOwner string `yaml:"policy_owner" json:"policy_owner" validate:"required"`

	// ComplianceStandards lists the frameworks the policy maps to.
	ComplianceStandards []string `yaml:"compliance_standards" json:"compliance_standards"`

	// Rules holds the enforced constraints.
	Rules Rules `yaml:"rules" json:"rules"`
}

// Rules are the enforceable governance settings.
type Rules struct {
	PHIEncryptionRequired  bool     `yaml:"phi_encryption_required" json:"phi_encryption_required"`
	LLMAllowedModels       []string `yaml:"llm_allowed_models" json:"llm_allowed_models" validate:"dive,required"`
	BannedPrompts          []string `yaml:"banned_prompts" json:"banned_prompts" validate:"dive,required"`
	HallucinationThreshold float64  `yaml:"hallucination_threshold" json:"hallucination_threshold" validate:"gte=0,lte=1"`
	MaxDataRetentionDays   int      `yaml:"max_data_retention_days" json:"max_data_retention_days" validate:"gte=0"`
	RequiredHeaders        []string `yaml:"required_headers" json:"required_headers" validate:"dive,required"`
}

// Violation is one rule breach found by the Rego evaluation.
type Violation struct {
	Rule      string `json:"rule"`
	TaskID    string `json:"task_id"`
	TaskIndex int    `json:"task_index"`
	Message   string `json:"message"`

	// order and position give a stable sort: rule order within a task, then
	// the matching list entry (e.g. which banned phrase).
	order    int
	position int
}

// AsError converts the violation into the engine's error type.
func (v Violation) AsError() *engine.EngineError {
	return engine.NewPolicyViolation(v.Rule, v.TaskID, v.Message)
}

// policyInput is the document handed to Rego as input.
type policyInput struct {
	WorkflowID     string      `json:"workflow_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Tasks          []taskInput `json:"tasks"`
}

type taskInput struct {
	ID                 string                 `json:"id"`
	Type               string                 `json:"type"`
	DataClassification string                 `json:"data_classification"`
	Config             map[string]interface{} `json:"config"`
}

// AuditPublisher receives governance audit events.
type AuditPublisher interface {
	Publish(event telemetry.Event) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventPublisher routes audit events to p.
func WithEventPublisher(p AuditPublisher) Option {
	return func(e *Engine) {
		e.events = p
	}
}

// WithClock overrides the time source used for retention deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithReloadDelay sets the debounce delay used by Watch.
func WithReloadDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.reloadDelay = d
	}
}
