package engine

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(runner TaskRunner, store StateStore, gov Governor, opts ...Option) (*Engine, *recordingMetrics) {
	metrics := &recordingMetrics{}
	opts = append([]Option{WithLogger(zerolog.Nop()), WithMetrics(metrics)}, opts...)
	return NewEngine(runner, store, gov, opts...), metrics
}

func TestExecuteWorkflow_Example(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	gov := &mockGovernor{}
	eng, metrics := newTestEngine(runner, store, gov)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))

	if wf.Status != WorkflowStatusSuccess {
		t.Fatalf("Expected success, got %s (%s)", wf.Status, wf.Error)
	}
	for _, task := range wf.Tasks {
		if task.Status != TaskStatusSuccess {
			t.Errorf("Task %s: expected success, got %s", task.ID, task.Status)
		}
	}

	want := []string{"workflow:running", "a:success", "b:success", "workflow:success"}
	if got := store.trail("w1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Records = %v, want %v", got, want)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Executed = %v", got)
	}

	if wf.StartedAt == nil || wf.CompletedAt == nil {
		t.Error("Expected start and completion timestamps")
	}
	if id, _ := wf.Metadata["execution_id"].(string); id == "" {
		t.Error("Expected an execution id")
	}
	if intent, ok := wf.Metadata["retention"].(RetentionIntent); !ok || intent.WorkflowID != "w1" {
		t.Errorf("Expected retention intent, got %v", wf.Metadata["retention"])
	}
	if gov.validations != 1 {
		t.Errorf("Expected one governance check, got %d", gov.validations)
	}
	if metrics.started != 1 || !reflect.DeepEqual(metrics.completed, []string{"success"}) {
		t.Errorf("Unexpected metrics: started=%d completed=%v", metrics.started, metrics.completed)
	}
}

func TestExecuteWorkflow_ResumeSkipsSucceededTasks(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	ctx := context.Background()
	if err := store.PersistTask(ctx, "w1", &Task{ID: "a", Status: TaskStatusSuccess}); err != nil {
		t.Fatal(err)
	}

	eng, metrics := newTestEngine(runner, store, nil)
	wf := eng.ExecuteWorkflow(ctx, newWorkflow("w1", "a", "b:a"))

	if wf.Status != WorkflowStatusSuccess {
		t.Fatalf("Expected success, got %s (%s)", wf.Status, wf.Error)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Expected only b to run, got %v", got)
	}
	if resumed, _ := wf.Task("a").Metadata["resumed"].(bool); !resumed {
		t.Error("Expected a to be marked resumed")
	}
	if !reflect.DeepEqual(metrics.skipped, []string{"already_succeeded"}) {
		t.Errorf("Skipped = %v", metrics.skipped)
	}
}

func TestExecuteWorkflow_RerunIsIdempotent(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	eng, _ := newTestEngine(runner, store, nil)

	first := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))
	second := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))

	if first.Status != WorkflowStatusSuccess || second.Status != WorkflowStatusSuccess {
		t.Fatalf("Expected both runs to succeed: %s, %s", first.Status, second.Status)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Handlers must run once per task, got %v", got)
	}
}

func TestExecuteWorkflow_RerunRestoresResults(t *testing.T) {
	runner := newMockRunner()
	runner.results["a"] = map[string]interface{}{"status": "validated", "valid": true}
	store := newMemStore()
	eng, _ := newTestEngine(runner, store, nil)

	first := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))
	second := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))

	for _, id := range []string{"a", "b"} {
		want, got := first.Task(id), second.Task(id)
		if !reflect.DeepEqual(got.Result, want.Result) {
			t.Errorf("Task %s: result = %v, want %v", id, got.Result, want.Result)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(*want.CompletedAt) {
			t.Errorf("Task %s: completed_at = %v, want %v", id, got.CompletedAt, want.CompletedAt)
		}
		if got.RetryCount != want.RetryCount || got.Attempts != want.Attempts {
			t.Errorf("Task %s: retry_count/attempts = %d/%d, want %d/%d",
				id, got.RetryCount, got.Attempts, want.RetryCount, want.Attempts)
		}
	}
}

func TestExecuteWorkflow_CompensationRollsBackAll(t *testing.T) {
	runner := newMockRunner()
	runner.fail["b"] = true
	runner.compensateErr["b"] = errCompensation
	store := newMemStore()
	eng, metrics := newTestEngine(runner, store, nil)

	var undone []string
	var mu sync.Mutex
	undo := func(_ context.Context, _, taskID string) error {
		mu.Lock()
		defer mu.Unlock()
		undone = append(undone, taskID)
		return nil
	}

	wf := newWorkflow("w1", "a", "b:a", "c:b")
	wf.Compensations["a"] = Executable("undo_a", undo)
	wf.Compensations["b"] = Executable("undo_b", undo)
	wf.Compensations["c"] = Executable("undo_c", undo)

	wf = eng.ExecuteWorkflow(context.Background(), wf)

	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("Expected failed, got %s", wf.Status)
	}
	if !strings.Contains(wf.Error, "task b failed") {
		t.Errorf("Unexpected error: %q", wf.Error)
	}
	if wf.Metadata["outcome"] != OutcomeFailedWithRollback {
		t.Errorf("Expected outcome %s, got %v", OutcomeFailedWithRollback, wf.Metadata["outcome"])
	}

	for _, id := range []string{"a", "b"} {
		if got := wf.Task(id).Status; got != TaskStatusRollback {
			t.Errorf("Task %s: expected rollback, got %s", id, got)
		}
	}
	if got := wf.Task("c").Status; got != TaskStatusPending {
		t.Errorf("Task c must stay pending, got %s", got)
	}
	if wf.Task("b").Metadata["compensation"] != CompensationFailed {
		t.Errorf("Expected b compensation to be recorded as failed, got %v", wf.Task("b").Metadata)
	}
	if wf.Task("a").Metadata["compensation"] != CompensationSucceeded {
		t.Errorf("Expected a to be compensated, got %v", wf.Task("a").Metadata)
	}

	if got := runner.compensatedIDs(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("Compensation attempts = %v, want [b a]", got)
	}
	if !reflect.DeepEqual(undone, []string{"a"}) {
		t.Errorf("Compensation actions run = %v, want [a]", undone)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("No task may run after the failure, got %v", got)
	}

	want := []string{
		"workflow:running", "a:success", "b:failed",
		"b:rollback", "a:rollback", "workflow:failed",
	}
	if got := store.trail("w1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Records = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(metrics.compensations, []string{CompensationFailed, CompensationSucceeded}) {
		t.Errorf("Compensation metrics = %v", metrics.compensations)
	}
}

func TestExecuteWorkflow_NotImplementedCompensation(t *testing.T) {
	runner := newMockRunner()
	runner.fail["a"] = true
	eng, _ := newTestEngine(runner, newMemStore(), nil)

	wf := newWorkflow("w1", "a")
	wf.Compensations["a"] = NotImplemented("manual_cleanup")
	wf = eng.ExecuteWorkflow(context.Background(), wf)

	task := wf.Task("a")
	if task.Status != TaskStatusRollback {
		t.Errorf("Expected rollback, got %s", task.Status)
	}
	if task.Metadata["compensation"] != CompensationNotImplemented {
		t.Errorf("Expected not implemented outcome, got %v", task.Metadata["compensation"])
	}
	if got := runner.compensatedIDs(); len(got) != 0 {
		t.Errorf("A placeholder handler must not be invoked, got %v", got)
	}
}

func TestExecuteWorkflow_FailureWithoutCompensation(t *testing.T) {
	runner := newMockRunner()
	runner.fail["a"] = true
	store := newMemStore()
	eng, _ := newTestEngine(runner, store, nil)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))

	if wf.Status != WorkflowStatusFailed || wf.Task("a").Status != TaskStatusFailed {
		t.Fatalf("Expected failed workflow and task, got %s/%s", wf.Status, wf.Task("a").Status)
	}
	want := []string{"workflow:running", "a:failed", "workflow:failed"}
	if got := store.trail("w1"); !reflect.DeepEqual(got, want) {
		t.Errorf("Records = %v, want %v", got, want)
	}
}

func TestExecuteWorkflow_GovernanceRejectsBeforeExecution(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	gov := &mockGovernor{err: NewPolicyViolation("llm_model_allowlist", "gen", "model 'gpt-3.5' not allowed")}
	eng, metrics := newTestEngine(runner, store, gov)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "gen"))

	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("Expected failed, got %s", wf.Status)
	}
	if !strings.Contains(wf.Error, "governance check failed") || !strings.Contains(wf.Error, "gpt-3.5") {
		t.Errorf("Unexpected error: %q", wf.Error)
	}
	if got := runner.executedIDs(); len(got) != 0 {
		t.Errorf("No task may run after a policy violation, got %v", got)
	}
	if got := store.trail("w1"); !reflect.DeepEqual(got, []string{"workflow:failed"}) {
		t.Errorf("Records = %v", got)
	}
	if !reflect.DeepEqual(metrics.violations, []string{"llm_model_allowlist"}) {
		t.Errorf("Violations = %v", metrics.violations)
	}
}

func TestExecuteWorkflow_CycleRejected(t *testing.T) {
	runner := newMockRunner()
	eng, _ := newTestEngine(runner, newMemStore(), nil)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a:b", "b:a"))

	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("Expected failed, got %s", wf.Status)
	}
	if !strings.Contains(wf.Error, "circular dependency detected") {
		t.Errorf("Unexpected error: %q", wf.Error)
	}
	if got := runner.executedIDs(); len(got) != 0 {
		t.Errorf("No task may run in a cyclic workflow, got %v", got)
	}
}

func TestExecuteWorkflow_TaskPersistFailureIsFatal(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	store.failTaskPersist = true
	eng, metrics := newTestEngine(runner, store, nil)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b:a"))

	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("Expected failed, got %s", wf.Status)
	}
	if !strings.Contains(wf.Error, "failed to persist task a") {
		t.Errorf("Unexpected error: %q", wf.Error)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Execution must stop at the failed write, got %v", got)
	}
	if !reflect.DeepEqual(metrics.persistence, []string{"task"}) {
		t.Errorf("Persistence errors = %v", metrics.persistence)
	}
}

func TestExecuteWorkflow_FinalPersistFailureKeepsStatus(t *testing.T) {
	store := newMemStore()
	store.failFinalPersist = true
	eng, metrics := newTestEngine(newMockRunner(), store, nil)

	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a"))

	if wf.Status != WorkflowStatusSuccess {
		t.Errorf("Final write failure must not change the status, got %s", wf.Status)
	}
	if !reflect.DeepEqual(metrics.persistence, []string{"workflow_final"}) {
		t.Errorf("Persistence errors = %v", metrics.persistence)
	}
}

func TestExecuteWorkflow_HumanReview(t *testing.T) {
	runner := newMockRunner()
	runner.results["low"] = map[string]interface{}{"confidence": 0.4}
	runner.results["high"] = map[string]interface{}{"confidence": 0.9}
	eng, _ := newTestEngine(runner, newMemStore(), &mockGovernor{review: true})

	wf := newWorkflow("w1", "low", "high", "plain")
	wf.Tasks[0].Type = TaskTypeLLM
	wf.Tasks[1].Type = TaskTypeRAG
	wf = eng.ExecuteWorkflow(context.Background(), wf)

	if got := wf.Task("low").Metadata["human_review"]; got != true {
		t.Errorf("Expected review for low confidence, got %v", got)
	}
	if got := wf.Task("high").Metadata["human_review"]; got != false {
		t.Errorf("Expected no review for high confidence, got %v", got)
	}
	if _, ok := wf.Task("plain").Metadata["human_review"]; ok {
		t.Error("Non-generative tasks carry no review flag")
	}
}

func TestExecuteWorkflow_CancelledContext(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	eng, _ := newTestEngine(runner, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wf := eng.ExecuteWorkflow(ctx, newWorkflow("w1", "a"))

	if wf.Status != WorkflowStatusFailed || !strings.Contains(wf.Error, "workflow cancelled") {
		t.Fatalf("Expected cancelled failure, got %s (%s)", wf.Status, wf.Error)
	}
	if got := runner.executedIDs(); len(got) != 0 {
		t.Errorf("Expected no execution, got %v", got)
	}
	if got := store.trail("w1"); got[len(got)-1] != "workflow:failed" {
		t.Errorf("Final record must be written despite cancellation, got %v", got)
	}
}

func TestExecuteWorkflow_SequentialByDefault(t *testing.T) {
	runner := newMockRunner()
	eng, _ := newTestEngine(runner, newMemStore(), nil)

	eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b", "c", "d:a,b,c"))

	if runner.maxInFlight != 1 {
		t.Errorf("Expected one task at a time, got %d", runner.maxInFlight)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("Expected declaration order, got %v", got)
	}
}

func TestExecuteWorkflow_ParallelLevels(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()

	var mu sync.Mutex
	arrived := 0
	release := make(chan struct{})
	barrier := func(ctx context.Context) {
		mu.Lock()
		arrived++
		if arrived == 3 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		runner.behavior[id] = barrier
	}

	eng, _ := newTestEngine(runner, store, nil, WithParallelism(3))
	wf := eng.ExecuteWorkflow(context.Background(), newWorkflow("w1", "a", "b", "c", "d:a,b,c"))

	if wf.Status != WorkflowStatusSuccess {
		t.Fatalf("Expected success, got %s (%s)", wf.Status, wf.Error)
	}
	if runner.maxInFlight != 3 {
		t.Errorf("Expected the first level to run concurrently, max in flight = %d", runner.maxInFlight)
	}

	trail := store.trail("w1")
	if len(trail) != 6 {
		t.Fatalf("Expected 6 records, got %v", trail)
	}
	level := append([]string(nil), trail[1:4]...)
	sort.Strings(level)
	if !reflect.DeepEqual(level, []string{"a:success", "b:success", "c:success"}) {
		t.Errorf("First level records = %v", level)
	}
	if trail[4] != "d:success" || trail[5] != "workflow:success" {
		t.Errorf("Dependent task must follow its level, got %v", trail)
	}
}

func TestExecuteWorkflow_ParallelFailureStopsNextLevel(t *testing.T) {
	runner := newMockRunner()
	runner.fail["b"] = true
	eng, _ := newTestEngine(runner, newMemStore(), nil, WithParallelism(2))

	wf := newWorkflow("w1", "a", "b", "c:a,b")
	wf.Compensations["a"] = NotImplemented("undo_a")
	wf = eng.ExecuteWorkflow(context.Background(), wf)

	if wf.Status != WorkflowStatusFailed {
		t.Fatalf("Expected failed, got %s", wf.Status)
	}
	if wf.Task("c").Status != TaskStatusPending {
		t.Errorf("Next level must not start, c is %s", wf.Task("c").Status)
	}
	if wf.Task("a").Status != TaskStatusRollback {
		t.Errorf("Expected a to be rolled back, got %s", wf.Task("a").Status)
	}
}

func TestStartStopWorkflow(t *testing.T) {
	runner := newMockRunner()
	store := newMemStore()
	started := make(chan struct{})
	runner.behavior["slow"] = func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}
	eng, _ := newTestEngine(runner, store, nil)

	wf := newWorkflow("w1", "slow", "after:slow")
	id, err := eng.StartWorkflow(context.Background(), wf)
	if err != nil || id != "w1" {
		t.Fatalf("StartWorkflow() = %q, %v", id, err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Workflow did not start")
	}

	if _, err := eng.StartWorkflow(context.Background(), newWorkflow("w1", "x")); !IsConflict(err) {
		t.Errorf("Expected conflict for a duplicate run, got %v", err)
	}
	if got := eng.Running(); !reflect.DeepEqual(got, []string{"w1"}) {
		t.Errorf("Running() = %v", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !eng.StopWorkflow(stopCtx, "w1") {
		t.Fatal("StopWorkflow() = false")
	}

	if wf.Status != WorkflowStatusFailed || !strings.Contains(wf.Error, "workflow cancelled") {
		t.Errorf("Expected cancelled failure, got %s (%s)", wf.Status, wf.Error)
	}
	if got := store.trail("w1"); !reflect.DeepEqual(got, []string{"workflow:running", "workflow:failed"}) {
		t.Errorf("Interrupted task must not be recorded, got %v", got)
	}
	if got := runner.executedIDs(); !reflect.DeepEqual(got, []string{"slow"}) {
		t.Errorf("Executed = %v", got)
	}
	if len(eng.Running()) != 0 {
		t.Errorf("Expected no running workflows, got %v", eng.Running())
	}

	if eng.StopWorkflow(stopCtx, "w1") {
		t.Error("Stopping an unknown workflow must return false")
	}
}

func TestStartWorkflow_Wait(t *testing.T) {
	store := newMemStore()
	eng, _ := newTestEngine(newMockRunner(), store, nil)

	if _, err := eng.StartWorkflow(context.Background(), newWorkflow("w1", "a", "b:a")); err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Wait(ctx, "w1"); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	status, found, err := eng.GetWorkflowStatus(ctx, "w1")
	if err != nil || !found || status != string(WorkflowStatusSuccess) {
		t.Errorf("GetWorkflowStatus() = %q, %v, %v", status, found, err)
	}
	history, err := eng.GetWorkflowHistory(ctx, "w1")
	if err != nil || len(history) != 4 {
		t.Errorf("GetWorkflowHistory() = %d records, %v", len(history), err)
	}
	if len(eng.Running()) != 0 {
		t.Errorf("Expected registry to be empty, got %v", eng.Running())
	}
	if err := eng.Wait(ctx, "unknown"); err != nil {
		t.Errorf("Wait() on unknown id = %v", err)
	}
}

func TestStartWorkflow_RequiresID(t *testing.T) {
	eng, _ := newTestEngine(newMockRunner(), newMemStore(), nil)
	if _, err := eng.StartWorkflow(context.Background(), &Workflow{}); !IsValidationError(err) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	runner := newMockRunner()
	block := func(ctx context.Context) { <-ctx.Done() }
	runner.behavior["a"] = block
	runner.behavior["b"] = block
	eng, _ := newTestEngine(runner, newMemStore(), nil)

	for _, wf := range []*Workflow{newWorkflow("w1", "a"), newWorkflow("w2", "b")} {
		if _, err := eng.StartWorkflow(context.Background(), wf); err != nil {
			t.Fatalf("StartWorkflow(%s) error = %v", wf.ID, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if len(eng.Running()) != 0 {
		t.Errorf("Expected no running workflows, got %v", eng.Running())
	}
}

func TestGetWorkflowByIdempotencyKey(t *testing.T) {
	eng, _ := newTestEngine(newMockRunner(), newMemStore(), nil)

	wf := newWorkflow("w1", "a")
	wf.IdempotencyKey = "req-42"
	eng.ExecuteWorkflow(context.Background(), wf)

	id, found, err := eng.GetWorkflowByIdempotencyKey(context.Background(), "req-42")
	if err != nil || !found || id != "w1" {
		t.Errorf("GetWorkflowByIdempotencyKey() = %q, %v, %v", id, found, err)
	}
}
