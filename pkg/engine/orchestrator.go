package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// errCancelled marks an execution that was stopped through its context.
var errCancelled = errors.New("workflow cancelled")

// Engine drives workflows through governance, ordered task execution,
// persistence and compensation. One Engine serves many concurrent workflows;
// the tasks of a single workflow run sequentially unless parallelism is enabled.
type Engine struct {
	runner   TaskRunner
	store    StateStore
	governor Governor

	logger      zerolog.Logger
	metrics     MetricsRecorder
	tracer      trace.Tracer
	clock       Clock
	parallelism int

	// mu protects running
	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle tracks one workflow launched with StartWorkflow.
type runHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With().Str("component", "engine").Logger()
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for workflow spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithParallelism runs mutually independent tasks of a workflow concurrently
// on up to n workers. Values below 2 keep strictly sequential execution.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.parallelism = n
	}
}

// NewEngine creates a new orchestration engine. The governor may be nil, in
// which case no policy is enforced.
func NewEngine(runner TaskRunner, store StateStore, governor Governor, opts ...Option) *Engine {
	e := &Engine{
		runner:      runner,
		store:       store,
		governor:    governor,
		logger:      zerolog.Nop(),
		metrics:     noopMetrics{},
		tracer:      noop.NewTracerProvider().Tracer("swarmlite/engine"),
		clock:       systemClock{},
		parallelism: 1,
		running:     make(map[string]*runHandle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWorkflow runs a workflow to a terminal state and returns it.
// It never returns an error: any failure is recorded on the workflow, which
// always ends as success or failed.
func (e *Engine) ExecuteWorkflow(ctx context.Context, wf *Workflow) *Workflow {
	start := e.clock.Now()
	executionID := uuid.New().String()
	wf.SetMetadata("execution_id", executionID)

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("execution.id", executionID),
		attribute.Int("workflow.tasks", len(wf.Tasks)),
	))
	defer span.End()

	logger := e.logger.With().
		Str("workflow_id", wf.ID).
		Str("execution_id", executionID).
		Logger()

	e.metrics.RecordWorkflowStarted()
	logger.Info().Int("tasks", len(wf.Tasks)).Msg("Workflow execution started")

	err := e.run(ctx, wf, logger)
	if err != nil {
		wf.Status = WorkflowStatusFailed
		if errors.Is(err, errCancelled) {
			wf.Error = fmt.Sprintf("%s: %v", errCancelled, context.Cause(ctx))
		} else if wf.Error == "" {
			wf.Error = err.Error()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, wf.Error)
		logger.Error().Err(err).Msg("Workflow execution failed")
	} else {
		wf.Status = WorkflowStatusSuccess
		span.SetStatus(codes.Ok, "")
		logger.Info().Msg("Workflow execution succeeded")
	}

	e.finalize(ctx, wf, logger)

	duration := e.clock.Now().Sub(start)
	span.SetAttributes(attribute.String("workflow.status", string(wf.Status)))
	e.metrics.RecordWorkflowCompleted(string(wf.Status), duration)

	return wf
}

// run performs the pre-check and the walk. Any returned error fails the workflow.
func (e *Engine) run(ctx context.Context, wf *Workflow, logger zerolog.Logger) error {
	if e.governor != nil {
		if err := e.governor.ValidateWorkflow(ctx, wf); err != nil {
			if ee, ok := AsEngineError(err); ok && ee.Code == ErrCodePolicyViolation {
				e.metrics.RecordPolicyViolation(ee.Rule)
			}
			return fmt.Errorf("governance check failed: %w", err)
		}
	}

	now := e.clock.Now()
	wf.Status = WorkflowStatusRunning
	wf.StartedAt = &now
	if err := e.store.PersistWorkflow(ctx, wf); err != nil {
		e.metrics.RecordPersistenceError("workflow_start")
		return fmt.Errorf("failed to persist workflow start: %w", err)
	}

	// The parser validated the graph already; rebuild it so a workflow
	// constructed or modified elsewhere cannot bypass the check.
	graph, err := BuildGraph(wf)
	if err != nil {
		return err
	}

	if e.parallelism > 1 {
		return e.executeLevels(ctx, wf, graph, logger)
	}
	return e.executeSequential(ctx, wf, graph, logger)
}

// executeSequential walks the topological order once, one task at a time.
func (e *Engine) executeSequential(ctx context.Context, wf *Workflow, graph *ExecutionGraph, logger zerolog.Logger) error {
	completed := make(map[string]bool, len(graph.Order))
	executed := make([]string, 0, len(graph.Order))

	for _, id := range graph.Order {
		if ctx.Err() != nil {
			return errCancelled
		}

		task := wf.Task(id)
		resumed, err := e.resume(ctx, wf.ID, task, logger)
		if err != nil {
			return err
		}
		if resumed {
			completed[id] = true
			executed = append(executed, id)
			continue
		}

		if err := checkDependencies(graph, completed, id); err != nil {
			return err.WithWorkflow(wf.ID)
		}

		result := e.runTask(ctx, wf, *task)
		if ctx.Err() != nil {
			// The interrupted attempt is discarded so the log only holds
			// states that were reached in full.
			return errCancelled
		}

		*task = result
		if err := e.persistTask(ctx, wf.ID, task); err != nil {
			return err
		}
		executed = append(executed, id)

		if task.Status == TaskStatusFailed {
			e.compensate(ctx, wf, executed)
			return fmt.Errorf("task %s failed: %s", id, task.Error)
		}
		completed[id] = true
	}

	return nil
}

// executeLevels runs the graph level by level with a bounded worker pool.
// Records of one level are persisted in completion order.
func (e *Engine) executeLevels(ctx context.Context, wf *Workflow, graph *ExecutionGraph, logger zerolog.Logger) error {
	completed := make(map[string]bool, len(graph.Order))
	executed := make([]string, 0, len(graph.Order))

	for level, ids := range graph.Levels {
		if ctx.Err() != nil {
			return errCancelled
		}

		pending := make([]Task, 0, len(ids))
		for _, id := range ids {
			task := wf.Task(id)
			resumed, err := e.resume(ctx, wf.ID, task, logger)
			if err != nil {
				return err
			}
			if resumed {
				completed[id] = true
				executed = append(executed, id)
				continue
			}
			if err := checkDependencies(graph, completed, id); err != nil {
				return err.WithWorkflow(wf.ID)
			}
			pending = append(pending, *task)
		}

		logger.Debug().Int("level", level).Int("tasks", len(pending)).Msg("Executing level")

		results := make(chan Task, len(pending))
		sem := make(chan struct{}, e.parallelism)
		var wg sync.WaitGroup
		for _, task := range pending {
			task := task
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results <- e.runTask(ctx, wf, task)
			}()
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		var failed []string
		var persistErr error
		for result := range results {
			if ctx.Err() != nil || persistErr != nil {
				continue
			}
			task := wf.Task(result.ID)
			*task = result
			if err := e.persistTask(ctx, wf.ID, task); err != nil {
				persistErr = err
				continue
			}
			executed = append(executed, result.ID)
			if task.Status == TaskStatusFailed {
				failed = append(failed, result.ID)
			} else {
				completed[result.ID] = true
			}
		}

		if ctx.Err() != nil {
			return errCancelled
		}
		if persistErr != nil {
			return persistErr
		}
		if len(failed) > 0 {
			e.compensate(ctx, wf, executed)
			return fmt.Errorf("task %s failed: %s", failed[0], wf.Task(failed[0]).Error)
		}
	}

	return nil
}

// resume reports whether the store already holds a success record for the
// task, in which case the task is restored from that record without running
// its handler.
func (e *Engine) resume(ctx context.Context, workflowID string, task *Task, logger zerolog.Logger) (bool, error) {
	rec, found, err := e.store.LatestTaskRecord(ctx, workflowID, task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read status of task %s: %w", task.ID, err)
	}
	if !found || TaskStatus(rec.Status) != TaskStatusSuccess {
		return false, nil
	}

	if err := restoreTask(task, rec); err != nil {
		logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to restore task from record")
	}
	task.Status = TaskStatusSuccess
	task.SetMetadata("resumed", true)
	e.metrics.RecordTaskSkipped("already_succeeded")
	logger.Info().Str("task_id", task.ID).Msg("Task already succeeded, skipping")
	return true, nil
}

// taskSnapshot is the subset of task state carried in record details.
type taskSnapshot struct {
	StartedAt   *time.Time             `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at"`
	RetryCount  int                    `json:"retry_count"`
	Attempts    int                    `json:"attempts"`
	Result      interface{}            `json:"result"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// restoreTask copies the outcome stored in rec back onto task. Details are
// normalized through JSON so native and decoded values restore the same way.
func restoreTask(task *Task, rec *StateRecord) error {
	data, err := json.Marshal(rec.Details)
	if err != nil {
		return err
	}
	var snap taskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	task.StartedAt = snap.StartedAt
	task.CompletedAt = snap.CompletedAt
	task.RetryCount = snap.RetryCount
	task.Attempts = snap.Attempts
	task.Result = snap.Result
	task.Error = ""
	for k, v := range snap.Metadata {
		task.SetMetadata(k, v)
	}
	return nil
}

// checkDependencies verifies every dependency completed. Under a topological
// walk that stops at the first failure this cannot fail, so a miss is
// reported as an internal error instead of silently skipping the task.
func checkDependencies(graph *ExecutionGraph, completed map[string]bool, id string) *EngineError {
	for _, dep := range graph.Dependencies[id] {
		if !completed[dep] {
			return NewInternalError(
				fmt.Sprintf("task %s scheduled before dependency %s completed", id, dep), nil,
			).WithTask(id)
		}
	}
	return nil
}

// runTask executes a task and annotates generative results with the
// human review signal.
func (e *Engine) runTask(ctx context.Context, wf *Workflow, task Task) Task {
	result := e.runner.ExecuteTask(ctx, wf.ID, wf.RetryPolicy, task)

	if e.governor != nil && result.Status == TaskStatusSuccess && IsGenerative(result.Type) {
		if confidence, ok := confidenceOf(result.Result); ok {
			review := e.governor.ShouldTriggerHumanReview(ctx, &result, confidence)
			result.SetMetadata("human_review", review)
		}
	}
	return result
}

// persistTask appends a task record; a failure is fatal to the execution.
func (e *Engine) persistTask(ctx context.Context, workflowID string, task *Task) error {
	if err := e.store.PersistTask(ctx, workflowID, task); err != nil {
		e.metrics.RecordPersistenceError("task")
		return fmt.Errorf("failed to persist task %s: %w", task.ID, err)
	}
	return nil
}

// finalize stamps completion, records retention intent and persists the
// terminal state. A persistence failure is logged and does not change the
// decided status.
func (e *Engine) finalize(ctx context.Context, wf *Workflow, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	now := e.clock.Now()
	wf.CompletedAt = &now

	if e.governor != nil {
		wf.SetMetadata("retention", e.governor.EnforceRetention(ctx, wf.ID))
	}

	if err := e.store.PersistWorkflow(ctx, wf); err != nil {
		e.metrics.RecordPersistenceError("workflow_final")
		logger.Error().Err(err).
			Str("status", string(wf.Status)).
			Msg("Failed to persist final workflow state")
	}
}

func confidenceOf(result interface{}) (float64, bool) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := m["confidence"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// StartWorkflow launches ExecuteWorkflow in its own goroutine and returns
// immediately. The run outlives ctx; use StopWorkflow to cancel it.
func (e *Engine) StartWorkflow(ctx context.Context, wf *Workflow) (string, error) {
	if wf == nil || wf.ID == "" {
		return "", NewValidationError("workflow has no id", nil)
	}

	e.mu.Lock()
	if _, exists := e.running[wf.ID]; exists {
		e.mu.Unlock()
		return "", NewConflictError("workflow is already running", nil).WithWorkflow(wf.ID)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &runHandle{cancel: cancel, done: make(chan struct{}), startedAt: e.clock.Now()}
	e.running[wf.ID] = h
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		defer e.release(wf.ID, h)
		e.ExecuteWorkflow(runCtx, wf)
	}()

	e.logger.Info().Str("workflow_id", wf.ID).Msg("Workflow started")
	return wf.ID, nil
}

// release removes a finished run unless StopWorkflow already did.
func (e *Engine) release(id string, h *runHandle) {
	e.mu.Lock()
	if e.running[id] == h {
		delete(e.running, id)
	}
	e.mu.Unlock()
	h.cancel()
}

// StopWorkflow cancels a running workflow and waits for it to finish.
// It returns false if the id is not running. If ctx expires first the
// cancellation still stands and the entry is already removed.
func (e *Engine) StopWorkflow(ctx context.Context, id string) bool {
	e.mu.Lock()
	h, ok := e.running[id]
	if ok {
		delete(e.running, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		e.logger.Warn().Str("workflow_id", id).Msg("Timed out waiting for workflow to stop")
	}

	e.logger.Info().Str("workflow_id", id).Msg("Workflow stopped")
	return true
}

// Wait blocks until the workflow started with StartWorkflow finishes.
// It returns immediately if the id is not running.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of workflows currently in flight, sorted.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every running workflow.
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.Running() {
		e.StopWorkflow(ctx, id)
	}
	return ctx.Err()
}

// GetWorkflowStatus returns the most recent workflow-level status.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (string, bool, error) {
	return e.store.WorkflowStatus(ctx, id)
}

// GetWorkflowHistory returns every record of a workflow.
func (e *Engine) GetWorkflowHistory(ctx context.Context, id string) ([]StateRecord, error) {
	return e.store.History(ctx, id)
}

// GetWorkflowByIdempotencyKey resolves a client idempotency key to a workflow id.
func (e *Engine) GetWorkflowByIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	return e.store.WorkflowByIdempotencyKey(ctx, key)
}
