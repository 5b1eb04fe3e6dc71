// Package executor dispatches workflow tasks to handlers registered by task
// type and runs them through a retry executor with exponential backoff.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

// DefaultSimulatedLatency is how long built-in handlers pretend to work.
const DefaultSimulatedLatency = 100 * time.Millisecond

// Metrics receives task execution measurements.
type Metrics interface {
	RecordTaskExecution(taskType, status string, duration time.Duration)
	RecordTaskRetry(taskType string)
}

// Executor implements engine.TaskRunner.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	retry   *RetryExecutor
	logger  zerolog.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time

	latency      time.Duration
	skipBuiltins bool
	retryOpts    []RetryOption
}

// Option configures an Executor.
type Option func(*Executor)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(x *Executor) { x.metrics = m }
}

// WithTracer sets the tracer used for task spans.
func WithTracer(t trace.Tracer) Option {
	return func(x *Executor) {
		if t != nil {
			x.tracer = t
		}
	}
}

// WithSimulatedLatency sets the latency of the built-in handlers.
func WithSimulatedLatency(d time.Duration) Option {
	return func(x *Executor) { x.latency = d }
}

// WithRetryOptions configures the underlying retry executor.
func WithRetryOptions(opts ...RetryOption) Option {
	return func(x *Executor) { x.retryOpts = append(x.retryOpts, opts...) }
}

// WithoutBuiltins starts with an empty handler table.
func WithoutBuiltins() Option {
	return func(x *Executor) { x.skipBuiltins = true }
}

// WithClock overrides the time source used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

// New creates an executor with the built-in handlers registered.
func New(logger zerolog.Logger, opts ...Option) *Executor {
	x := &Executor{
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "executor").Logger(),
		tracer:   noop.NewTracerProvider().Tracer("swarmlite/executor"),
		now:      func() time.Time { return time.Now().UTC() },
		latency:  DefaultSimulatedLatency,
	}
	for _, opt := range opts {
		opt(x)
	}

	retryOpts := append([]RetryOption{}, x.retryOpts...)
	if x.metrics != nil {
		metrics := x.metrics
		retryOpts = append(retryOpts, WithRetryHook(func(s Scope) { metrics.RecordTaskRetry(s.TaskType) }))
	}
	x.retry = NewRetryExecutor(logger, retryOpts...)

	if !x.skipBuiltins {
		for taskType, h := range builtinHandlers(x.latency) {
			x.handlers[taskType] = h
		}
	}
	return x
}

// Register adds or replaces the handler for a task type.
func (x *Executor) Register(taskType string, h Handler) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[taskType] = h
}

// Handler returns the handler registered for a task type.
func (x *Executor) Handler(taskType string) (Handler, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	h, ok := x.handlers[taskType]
	return h, ok
}

// Types returns the registered task types in sorted order.
func (x *Executor) Types() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	types := make([]string, 0, len(x.handlers))
	for t := range x.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ExecuteTask runs a task to a terminal state. It never returns an error:
// unknown types, handler failures and panics end up in task.Error.
func (x *Executor) ExecuteTask(ctx context.Context, workflowID string, policy engine.RetryPolicy, task engine.Task) engine.Task {
	ctx, span := x.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("task.id", task.ID),
		attribute.String("task.type", task.Type),
	))
	defer span.End()

	logger := x.logger.With().
		Str("workflow_id", workflowID).
		Str("task_id", task.ID).
		Str("task_type", task.Type).
		Logger()

	start := x.now()
	task.Status = engine.TaskStatusRunning
	if task.StartedAt == nil {
		task.StartedAt = &start
	}
	task.Error = ""
	task.Attempts = 0

	handler, ok := x.Handler(task.Type)
	if !ok {
		err := engine.NewUnknownTaskTypeError(task.Type).WithWorkflow(workflowID).WithTask(task.ID)
		return x.fail(span, logger, task, err, start)
	}

	scope := Scope{WorkflowID: workflowID, TaskID: task.ID, TaskType: task.Type}
	input := task
	result, err := x.retry.Execute(ctx, policy, scope, func(ctx context.Context) (res interface{}, err error) {
		task.Attempts++
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return handler.Handle(ctx, workflowID, input)
	})
	if err != nil {
		return x.fail(span, logger, task, err, start)
	}

	completed := x.now()
	task.Status = engine.TaskStatusSuccess
	task.Result = result
	task.CompletedAt = &completed
	task.RetryCount++

	x.record(task.Type, string(task.Status), completed.Sub(start))
	span.SetAttributes(attribute.Int("task.attempts", task.Attempts))
	span.SetStatus(codes.Ok, "")
	logger.Info().Int("attempts", task.Attempts).Msg("Task succeeded")
	return task
}

func (x *Executor) fail(span trace.Span, logger zerolog.Logger, task engine.Task, err error, start time.Time) engine.Task {
	completed := x.now()
	task.Status = engine.TaskStatusFailed
	task.Error = err.Error()
	task.CompletedAt = &completed

	x.record(task.Type, string(task.Status), completed.Sub(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, task.Error)
	logger.Error().Err(err).Int("attempts", task.Attempts).Msg("Task failed")
	return task
}

func (x *Executor) record(taskType, status string, d time.Duration) {
	if x.metrics != nil {
		x.metrics.RecordTaskExecution(taskType, status, d)
	}
}

// Compensate runs a compensation handler once, without retry.
func (x *Executor) Compensate(ctx context.Context, workflowID, taskID string, handler engine.CompensationHandler) error {
	scope := Scope{WorkflowID: workflowID, TaskID: taskID}
	return x.retry.Compensate(ctx, scope, func(ctx context.Context) error {
		return handler.Run(ctx, workflowID, taskID)
	})
}

var _ engine.TaskRunner = (*Executor)(nil)
