package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// mockRunner simulates the task executor. Tasks listed in fail end failed;
// behavior, when set for a task, runs before the status is decided and may
// block on ctx.
type mockRunner struct {
	mu            sync.Mutex
	fail          map[string]bool
	results       map[string]interface{}
	behavior      map[string]func(ctx context.Context)
	executed      []string
	compensated   []string
	compensateErr map[string]error
	inFlight      int
	maxInFlight   int
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		fail:          make(map[string]bool),
		results:       make(map[string]interface{}),
		behavior:      make(map[string]func(ctx context.Context)),
		compensateErr: make(map[string]error),
	}
}

func (m *mockRunner) ExecuteTask(ctx context.Context, _ string, policy RetryPolicy, task Task) Task {
	m.mu.Lock()
	m.executed = append(m.executed, task.ID)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	behavior := m.behavior[task.ID]
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if behavior != nil {
		behavior(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	task.StartedAt = &now
	task.CompletedAt = &now
	task.Attempts = 1
	if m.fail[task.ID] {
		task.Status = TaskStatusFailed
		task.Error = "simulated failure"
		task.Attempts = policy.MaxAttempts
		return task
	}
	task.Status = TaskStatusSuccess
	task.Result = m.results[task.ID]
	task.RetryCount++
	return task
}

func (m *mockRunner) Compensate(ctx context.Context, workflowID, taskID string, handler CompensationHandler) error {
	m.mu.Lock()
	m.compensated = append(m.compensated, taskID)
	injected := m.compensateErr[taskID]
	m.mu.Unlock()

	if injected != nil {
		return injected
	}
	return handler.Run(ctx, workflowID, taskID)
}

func (m *mockRunner) executedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executed...)
}

func (m *mockRunner) compensatedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.compensated...)
}

// memStore is an in-memory append-only log.
type memStore struct {
	mu               sync.Mutex
	records          []StateRecord
	keys             map[string]string
	failTaskPersist  bool
	failFinalPersist bool
}

func newMemStore() *memStore {
	return &memStore{keys: make(map[string]string)}
}

func (s *memStore) PersistWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalPersist && wf.Status.IsTerminal() {
		return NewPersistenceError("disk full", nil)
	}
	if wf.IdempotencyKey != "" {
		s.keys[wf.IdempotencyKey] = wf.ID
	}
	s.records = append(s.records, StateRecord{
		ID:         int64(len(s.records) + 1),
		WorkflowID: wf.ID,
		Status:     string(wf.Status),
		Timestamp:  time.Now().UTC(),
		Details:    map[string]interface{}{"task_count": len(wf.Tasks)},
	})
	return nil
}

func (s *memStore) PersistTask(_ context.Context, workflowID string, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTaskPersist {
		return NewPersistenceError("disk full", nil)
	}
	s.records = append(s.records, StateRecord{
		ID:         int64(len(s.records) + 1),
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Status:     string(task.Status),
		Timestamp:  time.Now().UTC(),
		Details: map[string]interface{}{
			"type":         task.Type,
			"started_at":   task.StartedAt,
			"completed_at": task.CompletedAt,
			"retry_count":  task.RetryCount,
			"attempts":     task.Attempts,
			"result":       task.Result,
		},
	})
	return nil
}

func (s *memStore) LatestTaskRecord(_ context.Context, workflowID, taskID string) (*StateRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.WorkflowID == workflowID && r.TaskID == taskID {
			return &r, true, nil
		}
	}
	return nil, false, nil
}

func (s *memStore) History(_ context.Context, workflowID string) ([]StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StateRecord
	for _, r := range s.records {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) latest(workflowID, taskID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if r.WorkflowID == workflowID && r.TaskID == taskID {
			return r.Status, true
		}
	}
	return "", false
}

func (s *memStore) TaskStatus(_ context.Context, workflowID, taskID string) (string, bool, error) {
	status, ok := s.latest(workflowID, taskID)
	return status, ok, nil
}

func (s *memStore) WorkflowStatus(_ context.Context, workflowID string) (string, bool, error) {
	status, ok := s.latest(workflowID, "")
	return status, ok, nil
}

func (s *memStore) WorkflowByIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.keys[key]
	return id, ok, nil
}

// trail returns "task:status" entries, using "workflow" for workflow records.
func (s *memStore) trail(workflowID string) []string {
	records, _ := s.History(context.Background(), workflowID)
	out := make([]string, 0, len(records))
	for _, r := range records {
		name := r.TaskID
		if name == "" {
			name = "workflow"
		}
		out = append(out, name+":"+r.Status)
	}
	return out
}

type mockGovernor struct {
	mu          sync.Mutex
	err         error
	review      bool
	validations int
	retention   []string
}

func (g *mockGovernor) ValidateWorkflow(context.Context, *Workflow) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validations++
	return g.err
}

func (g *mockGovernor) ShouldTriggerHumanReview(_ context.Context, _ *Task, confidence float64) bool {
	return g.review && confidence < 0.75
}

func (g *mockGovernor) EnforceRetention(_ context.Context, workflowID string) RetentionIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retention = append(g.retention, workflowID)
	return RetentionIntent{WorkflowID: workflowID, RetentionDays: 30, Action: "scheduled_for_deletion"}
}

type recordingMetrics struct {
	mu            sync.Mutex
	started       int
	completed     []string
	skipped       []string
	compensations []string
	violations    []string
	persistence   []string
}

func (m *recordingMetrics) RecordWorkflowStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordWorkflowCompleted(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, status)
}

func (m *recordingMetrics) RecordTaskSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipped = append(m.skipped, reason)
}

func (m *recordingMetrics) RecordCompensation(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations = append(m.compensations, outcome)
}

func (m *recordingMetrics) RecordPolicyViolation(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, rule)
}

func (m *recordingMetrics) RecordPersistenceError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistence = append(m.persistence, kind)
}

var errCompensation = errors.New("refund service unavailable")

// newWorkflow builds a pending workflow; spec entries are "id" or
// "id:dep1,dep2".
func newWorkflow(id string, specs ...string) *Workflow {
	wf := &Workflow{
		ID:            id,
		RetryPolicy:   RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		Compensations: make(map[string]CompensationHandler),
		Status:        WorkflowStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	for _, spec := range specs {
		taskID, depList, _ := strings.Cut(spec, ":")
		deps := []string{}
		if depList != "" {
			deps = strings.Split(depList, ",")
		}
		wf.Tasks = append(wf.Tasks, Task{
			ID:                 taskID,
			Type:               TaskTypePython,
			DependsOn:          deps,
			Config:             map[string]interface{}{},
			DataClassification: ClassificationPublic,
			Status:             TaskStatusPending,
		})
	}
	return wf
}
