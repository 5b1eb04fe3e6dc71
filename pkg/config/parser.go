package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// Parser turns workflow definitions into validated engine workflows.
// It is safe for concurrent use.
type Parser struct {
	logger    zerolog.Logger
	schemas   *SchemaRegistry
	validator *validator.Validate
	registry  *engine.CompensationRegistry
	now       func() time.Time
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithSchemaRegistry replaces the built-in schema registry.
func WithSchemaRegistry(sr *SchemaRegistry) ParserOption {
	return func(p *Parser) {
		p.schemas = sr
	}
}

// WithParserClock overrides the time source for CreatedAt.
func WithParserClock(now func() time.Time) ParserOption {
	return func(p *Parser) {
		p.now = now
	}
}

// NewParser creates a parser. Compensation handler names are resolved
// through registry; a nil registry resolves every name to NotImplemented.
func NewParser(logger zerolog.Logger, registry *engine.CompensationRegistry, opts ...ParserOption) *Parser {
	p := &Parser{
		logger:    logger.With().Str("component", "parser").Logger(),
		validator: validator.New(),
		registry:  registry,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.schemas == nil {
		p.schemas = NewSchemaRegistry()
	}
	return p
}

// ParseFile reads and parses a definition file.
func (p *Parser) ParseFile(path, idempotencyKey string) (*engine.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewFormatError(fmt.Sprintf("failed to read workflow definition %s", path), err)
	}
	return p.Parse(data, idempotencyKey)
}

// Parse decodes a JSON or YAML definition and returns a pending workflow.
//
// A document that decodes to neither a JSON nor a YAML mapping is a format
// error. Missing required fields, schema mismatches, duplicate task IDs and
// dangling dependencies are validation errors; a dependency cycle is a cycle
// error.
func (p *Parser) Parse(data []byte, idempotencyKey string) (*engine.Workflow, error) {
	raw, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}

	for _, field := range []string{"workflow_id", "tasks"} {
		if _, ok := raw[field]; !ok {
			return nil, engine.NewValidationError("workflow definition must contain 'workflow_id' and 'tasks'", nil).
				WithDetail("missing", field)
		}
	}

	// Normalize to JSON so YAML and JSON take the same path from here on.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, engine.NewFormatError("workflow definition contains values that cannot be represented", err)
	}

	if err := p.schemas.Validate(WorkflowSchemaName, normalized); err != nil {
		return nil, engine.NewValidationError("workflow definition does not match schema", err)
	}

	var def WorkflowDefinition
	if err := json.Unmarshal(normalized, &def); err != nil {
		return nil, engine.NewValidationError("workflow definition has invalid field types", err)
	}
	if err := p.validator.Struct(def); err != nil {
		return nil, engine.NewValidationError("invalid workflow definition", err)
	}

	wf, err := p.build(&def, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if err := p.ValidateDAG(wf); err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("workflow_id", wf.ID).
		Int("task_count", len(wf.Tasks)).
		Int("compensations", len(wf.Compensations)).
		Msg("Workflow parsed")

	return wf, nil
}

func (p *Parser) build(def *WorkflowDefinition, idempotencyKey string) (*engine.Workflow, error) {
	wf := &engine.Workflow{
		ID:             def.WorkflowID,
		Tasks:          make([]engine.Task, 0, len(def.Tasks)),
		RetryPolicy:    def.RetryPolicy.toPolicy(),
		Compensations:  make(map[string]engine.CompensationHandler, len(def.CompensationHandlers)),
		IdempotencyKey: idempotencyKey,
		Status:         engine.WorkflowStatusPending,
		CreatedAt:      p.now(),
	}

	seen := make(map[string]bool, len(def.Tasks))
	for _, td := range def.Tasks {
		if seen[td.ID] {
			return nil, engine.NewValidationError(fmt.Sprintf("duplicate task id: %s", td.ID), nil).
				WithWorkflow(wf.ID).WithTask(td.ID)
		}
		seen[td.ID] = true
		wf.Tasks = append(wf.Tasks, td.toTask())
	}

	for taskID, name := range def.CompensationHandlers {
		if !seen[taskID] {
			return nil, engine.NewValidationError(
				fmt.Sprintf("compensation handler %s references unknown task %s", name, taskID), nil,
			).WithWorkflow(wf.ID)
		}
		handler := p.registry.Resolve(name)
		if !handler.IsExecutable() {
			p.logger.Warn().
				Str("workflow_id", wf.ID).
				Str("task_id", taskID).
				Str("handler", name).
				Msg("Compensation handler is not registered, rollback will only be recorded")
		}
		wf.Compensations[taskID] = handler
	}

	return wf, nil
}

// decodeDocument tries JSON first, then YAML. Either must yield a mapping.
func decodeDocument(data []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, engine.NewFormatError("workflow definition is empty", nil)
	}

	var doc map[string]interface{}
	jsonErr := json.Unmarshal(data, &doc)
	if jsonErr == nil && doc != nil {
		return doc, nil
	}

	doc = nil
	yamlErr := yaml.Unmarshal(data, &doc)
	if yamlErr == nil && doc != nil {
		return doc, nil
	}
	if yamlErr == nil {
		yamlErr = errors.New("document is not a mapping")
	}

	return nil, engine.NewFormatError("invalid workflow definition format: neither JSON nor YAML",
		errors.Join(jsonErr, yamlErr))
}
