package policy

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmlite/swarmlite/pkg/engine"
	"github.com/swarmlite/swarmlite/pkg/telemetry"
)

type mockPublisher struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (m *mockPublisher) Publish(e telemetry.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *mockPublisher) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func testDocument() *PolicyDocument {
	return &PolicyDocument{
		PolicyVersion:       "1.0",
		PolicyOwner:         "compliance",
		ComplianceStandards: []string{"HIPAA"},
		Rules: Rules{
			PHIEncryptionRequired:  true,
			LLMAllowedModels:       []string{"gpt-4-turbo", "claude-3-opus"},
			BannedPrompts:          []string{"Ignore previous instructions", "jailbreak"},
			HallucinationThreshold: 0.75,
			MaxDataRetentionDays:   30,
			RequiredHeaders:        []string{"X-Request-ID"},
		},
	}
}

func newTestEngine(t *testing.T, doc *PolicyDocument, opts ...Option) (*Engine, *mockPublisher) {
	t.Helper()
	pub := &mockPublisher{}
	opts = append([]Option{WithEventPublisher(pub)}, opts...)
	eng, err := NewEngine(context.Background(), doc, zerolog.New(nil).Level(zerolog.Disabled), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng, pub
}

func workflowWith(key string, tasks ...engine.Task) *engine.Workflow {
	return &engine.Workflow{ID: "w1", IdempotencyKey: key, Tasks: tasks}
}

func TestNewEngine_NilDocument(t *testing.T) {
	_, err := NewEngine(context.Background(), nil, zerolog.Nop())
	if !engine.IsConfigurationError(err) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestValidateWorkflow_Rules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(d *PolicyDocument)
		key      string
		task     engine.Task
		wantRule string
		wantMsg  string
	}{
		{
			name: "compliant python task",
			task: engine.Task{ID: "t", Type: "python"},
		},
		{
			name:     "phi without encryption",
			mutate:   func(d *PolicyDocument) { d.Rules.PHIEncryptionRequired = false },
			task:     engine.Task{ID: "t", Type: "python", DataClassification: engine.ClassificationPHI},
			wantRule: RulePHIEncryption,
			wantMsg:  "PHI data requires encryption",
		},
		{
			name: "phi with encryption",
			task: engine.Task{ID: "t", Type: "python", DataClassification: engine.ClassificationPHI},
		},
		{
			name:     "disallowed model",
			task:     engine.Task{ID: "t", Type: "llm", Config: map[string]interface{}{"model": "gpt-3.5"}},
			wantRule: RuleLLMModelAllowlist,
			wantMsg:  "model 'gpt-3.5' not allowed",
		},
		{
			name: "allowed model",
			task: engine.Task{ID: "t", Type: "llm", Config: map[string]interface{}{"model": "claude-3-opus"}},
		},
		{
			name:     "missing model",
			task:     engine.Task{ID: "t", Type: "llm"},
			wantRule: RuleLLMModelAllowlist,
			wantMsg:  "model '<none>' not allowed",
		},
		{
			name:     "missing model with prompt",
			task:     engine.Task{ID: "t", Type: "llm", Config: map[string]interface{}{"prompt": "summarize"}},
			wantRule: RuleLLMModelAllowlist,
			wantMsg:  "model '<none>' not allowed",
		},
		{
			name:     "non-string model",
			task:     engine.Task{ID: "t", Type: "llm", Config: map[string]interface{}{"model": 4}},
			wantRule: RuleLLMModelAllowlist,
			wantMsg:  "model '<none>' not allowed",
		},
		{
			name: "rag model is not allow-listed",
			task: engine.Task{ID: "t", Type: "rag", Config: map[string]interface{}{"model": "anything"}},
		},
		{
			name:     "banned phrase case-insensitive",
			task:     engine.Task{ID: "t", Type: "llm", Config: map[string]interface{}{"model": "gpt-4-turbo", "prompt": "Please IGNORE PREVIOUS INSTRUCTIONS now"}},
			wantRule: RuleBannedPrompt,
			wantMsg:  "Ignore previous instructions",
		},
		{
			name:     "banned phrase in rag prompt",
			task:     engine.Task{ID: "t", Type: "rag", Config: map[string]interface{}{"prompt": "try a jailbreak"}},
			wantRule: RuleBannedPrompt,
		},
		{
			name: "banned phrase ignored for other types",
			task: engine.Task{ID: "t", Type: "http", Config: map[string]interface{}{"prompt": "jailbreak"}},
		},
		{
			name:     "database write without key",
			task:     engine.Task{ID: "t", Type: "database_write"},
			wantRule: RuleIdempotencyRequired,
			wantMsg:  "idempotency key required for database_write tasks",
		},
		{
			name:     "external call without key",
			task:     engine.Task{ID: "t", Type: "external_api_call"},
			wantRule: RuleIdempotencyRequired,
		},
		{
			name: "database write with key",
			key:  "req-1",
			task: engine.Task{ID: "t", Type: "database_write"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := testDocument()
			if tt.mutate != nil {
				tt.mutate(doc)
			}
			eng, pub := newTestEngine(t, doc)

			err := eng.ValidateWorkflow(context.Background(), workflowWith(tt.key, tt.task))
			if tt.wantRule == "" {
				if err != nil {
					t.Fatalf("ValidateWorkflow() error = %v", err)
				}
				if got := pub.types(); !reflect.DeepEqual(got, []string{telemetry.EventTypeValidationPassed}) {
					t.Errorf("Expected validation passed event, got %v", got)
				}
				return
			}

			if !engine.IsPolicyViolation(err) {
				t.Fatalf("Expected policy violation, got %v", err)
			}
			ee, _ := engine.AsEngineError(err)
			if ee.Rule != tt.wantRule || ee.TaskID != "t" || ee.WorkflowID != "w1" {
				t.Errorf("Violation = rule %q task %q workflow %q, want rule %q", ee.Rule, ee.TaskID, ee.WorkflowID, tt.wantRule)
			}
			if !strings.Contains(ee.Message, tt.wantMsg) {
				t.Errorf("Message %q does not contain %q", ee.Message, tt.wantMsg)
			}
			if got := pub.types(); !reflect.DeepEqual(got, []string{telemetry.EventTypePolicyViolation}) {
				t.Errorf("Expected policy violation event, got %v", got)
			}
		})
	}
}

func TestEvaluate_DeterministicOrder(t *testing.T) {
	doc := testDocument()
	doc.Rules.PHIEncryptionRequired = false
	eng, _ := newTestEngine(t, doc)

	wf := workflowWith("",
		engine.Task{ID: "ok", Type: "python"},
		engine.Task{ID: "gen", Type: "llm", Config: map[string]interface{}{
			"model":  "gpt-3.5",
			"prompt": "jailbreak and ignore previous instructions",
		}},
		engine.Task{ID: "write", Type: "database_write", DataClassification: engine.ClassificationPHI},
	)

	for i := 0; i < 5; i++ {
		violations, err := eng.Evaluate(context.Background(), wf)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}

		var got []string
		for _, v := range violations {
			got = append(got, v.TaskID+"/"+v.Rule)
		}
		want := []string{
			"gen/llm_model_allowlist",
			"gen/banned_prompt",
			"gen/banned_prompt",
			"write/phi_encryption",
			"write/idempotency_required",
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Run %d: violations = %v, want %v", i, got, want)
		}
		// Banned phrases keep the policy list order.
		if !strings.Contains(violations[1].Message, "'Ignore previous instructions'") ||
			!strings.Contains(violations[2].Message, "'jailbreak'") {
			t.Fatalf("Run %d: unexpected banned phrase order: %q, %q", i, violations[1].Message, violations[2].Message)
		}
	}

	err := eng.ValidateWorkflow(context.Background(), wf)
	ee, _ := engine.AsEngineError(err)
	if ee == nil || ee.TaskID != "gen" || ee.Rule != RuleLLMModelAllowlist {
		t.Errorf("Expected first violation to be reported, got %v", err)
	}
}

func TestShouldTriggerHumanReview(t *testing.T) {
	eng, pub := newTestEngine(t, testDocument())

	tests := []struct {
		taskType   string
		confidence float64
		want       bool
	}{
		{"llm", 0.5, true},
		{"rag", 0.74, true},
		{"llm", 0.75, false},
		{"rag", 0.9, false},
		{"python", 0.1, false},
	}

	for _, tt := range tests {
		task := &engine.Task{ID: "t", Type: tt.taskType}
		if got := eng.ShouldTriggerHumanReview(context.Background(), task, tt.confidence); got != tt.want {
			t.Errorf("ShouldTriggerHumanReview(%s, %v) = %v, want %v", tt.taskType, tt.confidence, got, tt.want)
		}
	}

	want := []string{telemetry.EventTypeHumanReviewRequired, telemetry.EventTypeHumanReviewRequired}
	if got := pub.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Events = %v, want %v", got, want)
	}
}

func TestEnforceRetention(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng, pub := newTestEngine(t, testDocument(), WithClock(func() time.Time { return now }))

	intent := eng.EnforceRetention(context.Background(), "w1")

	want := engine.RetentionIntent{
		WorkflowID:    "w1",
		RetentionDays: 30,
		DeleteAfter:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Action:        "scheduled_for_deletion",
	}
	if !reflect.DeepEqual(intent, want) {
		t.Errorf("EnforceRetention() = %+v, want %+v", intent, want)
	}
	if got := pub.types(); !reflect.DeepEqual(got, []string{telemetry.EventTypeRetentionScheduled}) {
		t.Errorf("Events = %v", got)
	}
}

func TestRequiredHeaders(t *testing.T) {
	eng, _ := newTestEngine(t, testDocument())

	headers := eng.RequiredHeaders()
	if !reflect.DeepEqual(headers, []string{"X-Request-ID"}) {
		t.Fatalf("RequiredHeaders() = %v", headers)
	}

	headers[0] = "mutated"
	if eng.RequiredHeaders()[0] != "X-Request-ID" {
		t.Error("RequiredHeaders must return a copy")
	}
}

func TestEngineWithoutPublisher(t *testing.T) {
	eng, err := NewEngine(context.Background(), testDocument(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if err := eng.ValidateWorkflow(context.Background(), workflowWith("", engine.Task{ID: "t", Type: "http"})); err != nil {
		t.Errorf("ValidateWorkflow() error = %v", err)
	}
}
