package engine

import (
	"context"
	"sort"
	"sync"
)

// CompensationRegistry maps handler names used in workflow definitions to
// executable compensation functions. It is safe for concurrent use.
type CompensationRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CompensationFunc
}

// NewCompensationRegistry creates an empty registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{handlers: make(map[string]CompensationFunc)}
}

// Register binds a name to a compensation function, replacing any previous binding.
func (r *CompensationRegistry) Register(name string, fn CompensationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Resolve returns an Executable handler when the name is registered and a
// NotImplemented placeholder otherwise.
func (r *CompensationRegistry) Resolve(name string) CompensationHandler {
	if r == nil {
		return NotImplemented(name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.handlers[name]; ok && fn != nil {
		return Executable(name, fn)
	}
	return NotImplemented(name)
}

// Names returns the registered names in sorted order.
func (r *CompensationRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compensation outcomes recorded in task metadata and metrics.
const (
	CompensationNotImplemented = "not_implemented"
	CompensationSucceeded      = "compensated"
	CompensationFailed         = "compensation_failed"
)

// OutcomeFailedWithRollback is recorded on a workflow after compensation ran.
const OutcomeFailedWithRollback = "failed_with_rollback"

// compensate rolls back every eligible task, most recently executed first.
// A failing handler never stops the remaining compensations.
func (e *Engine) compensate(ctx context.Context, wf *Workflow, executed []string) {
	logger := e.logger.With().Str("workflow_id", wf.ID).Logger()

	for i := len(executed) - 1; i >= 0; i-- {
		taskID := executed[i]
		handler, ok := wf.Compensations[taskID]
		if !ok {
			continue
		}
		task := wf.Task(taskID)
		if task == nil || !task.Status.Compensable() {
			continue
		}

		outcome := CompensationSucceeded
		if !handler.IsExecutable() {
			outcome = CompensationNotImplemented
			logger.Error().
				Str("task_id", taskID).
				Str("handler", handler.Name).
				Msg("Compensation handler not implemented, recording rollback intent")
		} else if err := e.runner.Compensate(ctx, wf.ID, taskID, handler); err != nil {
			outcome = CompensationFailed
			task.SetMetadata("compensation_error", err.Error())
			logger.Error().Err(err).
				Str("task_id", taskID).
				Str("handler", handler.Name).
				Msg("Compensation failed, continuing with remaining tasks")
		} else {
			logger.Info().
				Str("task_id", taskID).
				Str("handler", handler.Name).
				Msg("Task compensated")
		}

		task.Status = TaskStatusRollback
		task.SetMetadata("compensation", outcome)
		task.SetMetadata("compensation_handler", handler.Name)
		e.metrics.RecordCompensation(outcome)

		if err := e.store.PersistTask(ctx, wf.ID, task); err != nil {
			e.metrics.RecordPersistenceError("rollback")
			logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to persist rollback state")
		}
	}

	wf.SetMetadata("outcome", OutcomeFailedWithRollback)
	logger.Warn().Str("outcome", OutcomeFailedWithRollback).Msg("Workflow failed with rollback")
}
