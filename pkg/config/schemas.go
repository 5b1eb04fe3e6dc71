package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// WorkflowSchemaName is the definition every workflow document is unified with.
const WorkflowSchemaName = "#WorkflowDefinition"

// SchemaRegistry holds compiled CUE definitions used to check decoded
// documents. A cue.Context is not safe for concurrent use, so every access
// is serialized.
type SchemaRegistry struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

// NewSchemaRegistry creates a registry with the built-in workflow schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(builtinWorkflowSchema); err != nil {
		panic(fmt.Sprintf("built-in workflow schema does not compile: %v", err))
	}
	return sr
}

// RegisterSchema compiles a CUE source and registers each of its
// top-level definitions by name (e.g. "#WorkflowDefinition").
func (sr *SchemaRegistry) RegisterSchema(source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to list schema definitions: %w", err)
	}
	for iter.Next() {
		if !iter.Selector().IsDefinition() {
			continue
		}
		sr.schemas[iter.Selector().String()] = iter.Value()
	}
	return nil
}

// Has reports whether a definition is registered.
func (sr *SchemaRegistry) Has(name string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	_, ok := sr.schemas[name]
	return ok
}

// Validate unifies a JSON document with the named definition. The returned
// error lists every CUE failure, one per line.
func (sr *SchemaRegistry) Validate(name string, document []byte) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[name]
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	// JSON is valid CUE, which keeps integers and floats distinct.
	data := sr.ctx.CompileBytes(document, cue.Filename("definition.json"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to load document: %s", describe(err))
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", describe(err))
	}
	return nil
}

func describe(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msgs = append(msgs, strings.TrimSpace(cueerrors.Details(e, nil)))
	}
	return strings.Join(msgs, "\n")
}

const builtinWorkflowSchema = `
#DataClassification: "public" | "phi" | "pii" | "confidential"

#Task: {
	id:   string & != ""
	type: string & != ""
	depends_on?: [...string]
	config?: {...}
	data_classification?: #DataClassification
	...
}

#RetryPolicy: {
	max_attempts?:        int & >=1
	delay_seconds?:       number & >=0
	exponential_backoff?: bool
	...
}

#WorkflowDefinition: {
	workflow_id: string & != ""
	tasks: [...#Task]
	retry_policy?: #RetryPolicy
	compensation_handlers?: [string]: string & != ""
	...
}
`
