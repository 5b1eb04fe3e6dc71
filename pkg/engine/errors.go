package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: storage busy, simulated connector timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid definitions, policy violations, unknown task types.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes for programmatic handling.
const (
	ErrCodeFormat          = "FORMAT_ERROR"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeCycle           = "CYCLE_ERROR"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeUnknownTaskType = "UNKNOWN_TASK_TYPE"
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodePersistence     = "PERSISTENCE_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// EngineError represents a classified error with workflow context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the kind of failure.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	WorkflowID string `json:"workflow_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`

	// Rule names the governance rule that was breached, for policy violations.
	Rule string `json:"rule,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	ctx := make([]string, 0, 3)
	if e.Rule != "" {
		ctx = append(ctx, "rule="+e.Rule)
	}
	if e.WorkflowID != "" {
		ctx = append(ctx, "workflow="+e.WorkflowID)
	}
	if e.TaskID != "" {
		ctx = append(ctx, "task="+e.TaskID)
	}
	if len(ctx) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(ctx, ", "))
		sb.WriteString(")")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithWorkflow adds workflow context to an error.
func (e *EngineError) WithWorkflow(workflowID string) *EngineError {
	e.WorkflowID = workflowID
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(taskID string) *EngineError {
	e.TaskID = taskID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is. Only Class and Code are compared.
var (
	ErrFormat          = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeFormat}
	ErrValidation      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation}
	ErrCycle           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCycle}
	ErrPolicyViolation = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyViolation}
	ErrUnknownTaskType = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownTaskType}
	ErrConfiguration   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeConfiguration}
	ErrPersistence     = &EngineError{Class: ErrorClassTransient, Code: ErrCodePersistence}
	ErrConflict        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeConflict}
)

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewFormatError reports a definition that could not be decoded.
func NewFormatError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeFormat, message, err)
}

// NewValidationError reports missing or unknown fields and dangling dependencies.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, message, err)
}

// NewCycleError reports a dependency cycle. The cycle path is kept in Details.
func NewCycleError(cycle []string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeCycle,
		fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil).
		WithDetail("cycle", cycle)
}

// NewPolicyViolation reports a governance rule breach for a task.
func NewPolicyViolation(rule, taskID, message string) *EngineError {
	e := newError(ErrorClassPermanent, ErrCodePolicyViolation, message, nil)
	e.Rule = rule
	e.TaskID = taskID
	return e
}

// NewUnknownTaskTypeError reports a task type with no registered handler.
func NewUnknownTaskTypeError(taskType string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeUnknownTaskType,
		fmt.Sprintf("unknown task type: %s", taskType), nil).
		WithDetail("type", taskType)
}

// NewConfigurationError reports a missing policy file or secret.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeConfiguration, message, err)
}

// NewPersistenceError reports a storage fault.
func NewPersistenceError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodePersistence, message, err)
}

// NewConflictError reports a state conflict such as a duplicate running workflow.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeConflict, message, err)
}

// NewInternalError reports a broken engine invariant.
func NewInternalError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeInternal, message, err)
}

// AsEngineError extracts an EngineError from an error chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func hasCode(err error, code string) bool {
	e, ok := AsEngineError(err)
	return ok && e.Code == code
}

// IsFormatError returns true if err is a FormatError.
func IsFormatError(err error) bool { return hasCode(err, ErrCodeFormat) }

// IsValidationError returns true if err is a ValidationError.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsCycleError returns true if err is a CycleError.
func IsCycleError(err error) bool { return hasCode(err, ErrCodeCycle) }

// IsPolicyViolation returns true if err is a PolicyViolation.
func IsPolicyViolation(err error) bool { return hasCode(err, ErrCodePolicyViolation) }

// IsUnknownTaskType returns true if err is an UnknownTaskTypeError.
func IsUnknownTaskType(err error) bool { return hasCode(err, ErrCodeUnknownTaskType) }

// IsConfigurationError returns true if err is a ConfigurationError.
func IsConfigurationError(err error) bool { return hasCode(err, ErrCodeConfiguration) }

// IsPersistenceError returns true if err is a PersistenceError.
func IsPersistenceError(err error) bool { return hasCode(err, ErrCodePersistence) }

// IsConflict returns true if err is a ConflictError.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPermanent
}
