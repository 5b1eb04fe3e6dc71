package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// Built-in simulation constants.
const (
	DefaultHTTPURL       = "https://httpbin.org/get"
	DefaultHTTPMethod    = "GET"
	DefaultLLMModel      = "gpt-4-turbo"
	DefaultLLMConfidence = 0.85
	DefaultRAGConfidence = 0.88
	DefaultRAGContext    = "Sample context for RAG"

	// MaxPromptLength is the largest prompt, in characters, the LLM handler accepts.
	MaxPromptLength = 2000

	// ReviewConfidenceThreshold is the confidence below which LLM output is withheld.
	ReviewConfidenceThreshold = 0.75

	// ReviewRequiredMarker replaces LLM output whose confidence is too low.
	ReviewRequiredMarker = "[REVIEW REQUIRED: LOW CONFIDENCE]"
)

// InjectionPhrases are rejected by the LLM handler regardless of policy.
var InjectionPhrases = []string{
	"ignore previous instructions",
	"pretend you're not an ai",
	"reveal system prompt",
}

// Handler executes one task type.
type Handler interface {
	Handle(ctx context.Context, workflowID string, task engine.Task) (interface{}, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, workflowID string, task engine.Task) (interface{}, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, workflowID string, task engine.Task) (interface{}, error) {
	return f(ctx, workflowID, task)
}

// simulate waits for d or until ctx is done.
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HTTPHandler simulates an outbound HTTP call.
type HTTPHandler struct {
	Latency time.Duration
}

// Handle returns the request that would have been made.
func (h HTTPHandler) Handle(ctx context.Context, _ string, task engine.Task) (interface{}, error) {
	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "http_executed",
		"url":    stringOr(task.Config, "url", DefaultHTTPURL),
		"method": strings.ToUpper(stringOr(task.Config, "method", DefaultHTTPMethod)),
	}, nil
}

// PythonHandler dispatches on a named function. It never executes code; it
// only echoes the parameter names it was given.
type PythonHandler struct {
	Latency time.Duration
}

// Handle simulates the named function.
func (h PythonHandler) Handle(ctx context.Context, _ string, task engine.Task) (interface{}, error) {
	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}

	function := stringOr(task.Config, "function", "")
	params, _ := task.Config["params"].(map[string]interface{})
	keys := sortedKeys(params)

	switch function {
	case "clean_dataframe":
		return map[string]interface{}{
			"status":            "cleaned",
			"records_processed": 1000,
			"params_used":       keys,
		}, nil
	case "validate_schema":
		return map[string]interface{}{
			"status":      "validated",
			"valid":       true,
			"errors":      []string{},
			"params_used": keys,
		}, nil
	case "transform_data":
		return map[string]interface{}{
			"status":      "transformed",
			"output_size": 500,
			"params_used": keys,
		}, nil
	default:
		return map[string]interface{}{
			"status":          "executed",
			"function":        function,
			"params_received": keys,
		}, nil
	}
}

// DatabaseHandler simulates a database operation.
type DatabaseHandler struct {
	Latency time.Duration
}

// Handle reports the configuration keys it received.
func (h DatabaseHandler) Handle(ctx context.Context, _ string, task engine.Task) (interface{}, error) {
	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "database_executed",
		"config_keys": sortedKeys(task.Config),
	}, nil
}

// LLMHandler simulates a language model completion behind two safety gates.
type LLMHandler struct {
	Latency time.Duration
}

// Handle validates the prompt and returns a simulated completion.
func (h LLMHandler) Handle(ctx context.Context, workflowID string, task engine.Task) (interface{}, error) {
	prompt := stringOr(task.Config, "prompt", "")
	if err := CheckPrompt(prompt); err != nil {
		if e, ok := engine.AsEngineError(err); ok {
			e.WithWorkflow(workflowID).WithTask(task.ID)
		}
		return nil, err
	}

	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}

	confidence := DefaultLLMConfidence
	if v, ok := floatFrom(task.Config["simulated_confidence"]); ok {
		confidence = v
	}

	response := "Simulated LLM response"
	if confidence < ReviewConfidenceThreshold {
		response = ReviewRequiredMarker
	}

	return map[string]interface{}{
		"model":      stringOr(task.Config, "model", DefaultLLMModel),
		"response":   response,
		"confidence": confidence,
	}, nil
}

// CheckPrompt enforces the prompt length limit and the injection phrase list.
func CheckPrompt(prompt string) error {
	if n := len([]rune(prompt)); n > MaxPromptLength {
		return engine.NewValidationError(
			fmt.Sprintf("prompt length %d exceeds %d characters", n, MaxPromptLength), nil)
	}
	lower := strings.ToLower(prompt)
	for _, phrase := range InjectionPhrases {
		if strings.Contains(lower, phrase) {
			return engine.NewPolicyViolation("prompt_injection", "",
				fmt.Sprintf("prompt contains forbidden phrase %q", phrase))
		}
	}
	return nil
}

// RAGHandler simulates retrieval-augmented generation.
type RAGHandler struct {
	Latency time.Duration
}

// Handle returns a simulated answer for the configured query.
func (h RAGHandler) Handle(ctx context.Context, _ string, task engine.Task) (interface{}, error) {
	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}
	query := stringOr(task.Config, "query", "")
	confidence := DefaultRAGConfidence
	if v, ok := floatFrom(task.Config["simulated_confidence"]); ok {
		confidence = v
	}
	return map[string]interface{}{
		"query":             query,
		"retrieved_context": stringOr(task.Config, "context", DefaultRAGContext),
		"response":          "Answer to: " + query,
		"confidence":        confidence,
	}, nil
}

// CustomHandler is the fallback for user-defined task types.
type CustomHandler struct {
	Latency time.Duration
}

// Handle reports completion.
func (h CustomHandler) Handle(ctx context.Context, _ string, _ engine.Task) (interface{}, error) {
	if err := simulate(ctx, h.Latency); err != nil {
		return nil, err
	}
	return map[string]interface{}{"custom_task_completed": true}, nil
}

// builtinHandlers returns the handlers registered by default.
func builtinHandlers(latency time.Duration) map[string]Handler {
	return map[string]Handler{
		engine.TaskTypeHTTP:            HTTPHandler{Latency: latency},
		engine.TaskTypePython:          PythonHandler{Latency: latency},
		engine.TaskTypeDatabase:        DatabaseHandler{Latency: latency},
		engine.TaskTypeLLM:             LLMHandler{Latency: latency},
		engine.TaskTypeRAG:             RAGHandler{Latency: latency},
		engine.TaskTypeCustom:          CustomHandler{Latency: latency},
		engine.TaskTypeDatabaseWrite:   DatabaseHandler{Latency: latency},
		engine.TaskTypeExternalAPICall: HTTPHandler{Latency: latency},
	}
}

func stringOr(m map[string]interface{}, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatFrom(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
