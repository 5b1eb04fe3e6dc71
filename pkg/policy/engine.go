package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/swarmlite/swarmlite/pkg/engine"
	"github.com/swarmlite/swarmlite/pkg/telemetry"
)

// Engine evaluates governance rules over workflows. It implements
// engine.Governor.
type Engine struct {
	path        string
	logger      zerolog.Logger
	events      AuditPublisher
	now         func() time.Time
	reloadDelay time.Duration

	mu    sync.RWMutex
	doc   *PolicyDocument
	query rego.PreparedEvalQuery
}

// NewEngine creates a governance engine for an already loaded document.
func NewEngine(ctx context.Context, doc *PolicyDocument, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if doc == nil {
		return nil, engine.NewConfigurationError("governance config is required", nil)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		logger:      logger.With().Str("component", "governance").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		reloadDelay: DefaultReloadDelay,
	}
	for _, opt := range opts {
		opt(e)
	}

	query, err := compile(ctx, doc)
	if err != nil {
		return nil, err
	}
	e.doc = doc
	e.query = query

	e.logger.Info().
		Str("policy_version", doc.PolicyVersion).
		Str("policy_owner", doc.PolicyOwner).
		Msg("Governance policy loaded")

	return e, nil
}

// NewEngineFromFile loads the policy document at path and creates an engine
// that can later Reload or Watch it.
func NewEngineFromFile(ctx context.Context, path string, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}

	e, err := NewEngine(ctx, doc, logger, opts...)
	if err != nil {
		return nil, err
	}
	e.path = path
	return e, nil
}

// compile prepares the Rego query with the document rules mounted as data.
func compile(ctx context.Context, doc *PolicyDocument) (rego.PreparedEvalQuery, error) {
	rules, err := toJSONObject(doc.Rules)
	if err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to encode governance rules", err)
	}

	store := inmem.NewFromObject(map[string]interface{}{"rules": rules})

	query, err := rego.New(
		rego.Query(governanceQuery),
		rego.Module("governance.rego", governanceModule),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to compile governance rules", err)
	}
	return query, nil
}

// Reload re-reads the source file and swaps the active document.
func (e *Engine) Reload(ctx context.Context) error {
	if e.path == "" {
		return engine.NewConfigurationError("policy engine has no source file", nil)
	}

	doc, err := LoadDocument(e.path)
	if err != nil {
		return err
	}
	query, err := compile(ctx, doc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.doc = doc
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Str("policy_version", doc.PolicyVersion).Msg("Governance policy reloaded")
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypePolicyReloaded,
		Source:  "governance",
		Message: fmt.Sprintf("Governance policy %s reloaded", doc.PolicyVersion),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"policy_version": doc.PolicyVersion},
	})
	return nil
}

// Document returns the active policy document. Callers must not modify it.
func (e *Engine) Document() *PolicyDocument {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc
}

// RequiredHeaders returns the request headers the external request layer must
// enforce.
func (e *Engine) RequiredHeaders() []string {
	doc := e.Document()
	return append([]string(nil), doc.Rules.RequiredHeaders...)
}

// Evaluate returns every violation of the workflow, ordered by task
// declaration, then rule.
func (e *Engine) Evaluate(ctx context.Context, wf *engine.Workflow) ([]Violation, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(buildInput(wf)))
	if err != nil {
		return nil, engine.NewInternalError("governance evaluation failed", err).WithWorkflow(wf.ID)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range set {
				if v, ok := decodeViolation(item); ok {
					violations = append(violations, v)
				}
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.TaskIndex != b.TaskIndex {
			return a.TaskIndex < b.TaskIndex
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.position < b.position
	})

	return violations, nil
}

// ValidateWorkflow enforces the governance rules before execution. The first
// violation is returned as a policy violation error; all are logged.
func (e *Engine) ValidateWorkflow(ctx context.Context, wf *engine.Workflow) error {
	violations, err := e.Evaluate(ctx, wf)
	if err != nil {
		return err
	}

	if len(violations) > 0 {
		for _, v := range violations {
			e.logger.Warn().
				Str("workflow_id", wf.ID).
				Str("task_id", v.TaskID).
				Str("rule", v.Rule).
				Msg(v.Message)
		}
		first := violations[0]
		e.publish(telemetry.Event{
			Type:       telemetry.EventTypePolicyViolation,
			Source:     "governance",
			WorkflowID: wf.ID,
			TaskID:     first.TaskID,
			Message:    first.Message,
			Level:      telemetry.EventLevelError,
			Data: map[string]interface{}{
				"rule":       first.Rule,
				"violations": len(violations),
			},
		})
		return first.AsError().WithWorkflow(wf.ID)
	}

	e.publish(telemetry.Event{
		Type:       telemetry.EventTypeValidationPassed,
		Source:     "governance",
		WorkflowID: wf.ID,
		Message:    fmt.Sprintf("Workflow %s passed governance validation", wf.ID),
		Level:      telemetry.EventLevelInfo,
		Data:       map[string]interface{}{"task_count": len(wf.Tasks)},
	})
	return nil
}

// ShouldTriggerHumanReview reports whether a generative task's confidence is
// below the hallucination threshold. The signal is advisory.
func (e *Engine) ShouldTriggerHumanReview(_ context.Context, task *engine.Task, confidence float64) bool {
	if !engine.IsGenerative(task.Type) {
		return false
	}

	threshold := e.Document().Rules.HallucinationThreshold
	if confidence >= threshold {
		return false
	}

	e.logger.Info().
		Str("task_id", task.ID).
		Float64("confidence", confidence).
		Float64("threshold", threshold).
		Msg("Human review triggered")
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeHumanReviewRequired,
		Source:  "governance",
		TaskID:  task.ID,
		Message: fmt.Sprintf("Task %s requires human review", task.ID),
		Level:   telemetry.EventLevelWarning,
		Data: map[string]interface{}{
			"confidence": confidence,
			"threshold":  threshold,
		},
	})
	return true
}

// EnforceRetention records a scheduled-deletion intent for the workflow's
// data. Deletion itself belongs to an external lifecycle process.
func (e *Engine) EnforceRetention(_ context.Context, workflowID string) engine.RetentionIntent {
	days := e.Document().Rules.MaxDataRetentionDays
	intent := engine.RetentionIntent{
		WorkflowID:    workflowID,
		RetentionDays: days,
		DeleteAfter:   e.now().AddDate(0, 0, days),
		Action:        RetentionAction,
	}

	e.logger.Info().
		Str("workflow_id", workflowID).
		Int("retention_days", days).
		Str("action", RetentionAction).
		Msg("Retention policy enforced")
	e.publish(telemetry.Event{
		Type:       telemetry.EventTypeRetentionScheduled,
		Source:     "governance",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Workflow %s scheduled for deletion after %d days", workflowID, days),
		Level:      telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"retention_days": days,
			"delete_after":   intent.DeleteAfter,
			"action":         RetentionAction,
		},
	})
	return intent
}

func (e *Engine) publish(event telemetry.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(event); err != nil {
		e.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish audit event")
	}
}

func buildInput(wf *engine.Workflow) policyInput {
	input := policyInput{
		WorkflowID:     wf.ID,
		IdempotencyKey: wf.IdempotencyKey,
		Tasks:          make([]taskInput, 0, len(wf.Tasks)),
	}
	for _, t := range wf.Tasks {
		class := string(t.DataClassification)
		if class == "" {
			class = string(engine.ClassificationPublic)
		}
		input.Tasks = append(input.Tasks, taskInput{
			ID:                 t.ID,
			Type:               t.Type,
			DataClassification: class,
			Config:             t.Config,
		})
	}
	return input
}

func decodeViolation(item interface{}) (Violation, bool) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return Violation{}, false
	}

	v := Violation{
		TaskIndex: toInt(m["task_index"]),
		order:     toInt(m["order"]),
		position:  toInt(m["position"]),
	}
	v.Rule, _ = m["rule"].(string)
	v.TaskID, _ = m["task_id"].(string)
	v.Message, _ = m["message"].(string)
	return v, v.Rule != ""
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toJSONObject(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ engine.Governor = (*Engine)(nil)
