package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is an audit event emitted by SwarmLite components.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// WorkflowID is the associated workflow, if any.
	WorkflowID string `json:"workflow_id,omitempty"`

	// TaskID is the associated task, if any.
	TaskID string `json:"task_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeValidationPassed    = "governance.validation_passed"
	EventTypeHumanReviewRequired = "governance.human_review_required"
	EventTypeRetentionScheduled  = "governance.retention_scheduled"
	EventTypePolicyViolation     = "governance.policy_violation"
	EventTypePolicyReloaded      = "governance.policy_reloaded"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherStopped is returned when publishing after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned when an async publisher drops an event.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events. Subscribers are called
// on the delivering goroutine and must not block.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans audit events out to subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if !ep.config.EnableAsync {
		if ep.ctx.Err() != nil {
			return ErrPublisherStopped
		}
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return ErrPublisherStopped
	default:
		return ErrBufferFull
	}
}

// PublishValidationPassed records a workflow that passed governance checks.
func (ep *EventPublisher) PublishValidationPassed(workflowID string, taskCount int) error {
	return ep.Publish(Event{
		Type:       EventTypeValidationPassed,
		Source:     "governance",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Workflow %s passed governance validation", workflowID),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"task_count": taskCount,
		},
	})
}

// PublishHumanReviewRequired records a low-confidence generative result.
func (ep *EventPublisher) PublishHumanReviewRequired(taskID string, confidence, threshold float64) error {
	return ep.Publish(Event{
		Type:    EventTypeHumanReviewRequired,
		Source:  "governance",
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s requires human review (confidence %.2f < %.2f)", taskID, confidence, threshold),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"confidence": confidence,
			"threshold":  threshold,
		},
	})
}

// PublishRetentionScheduled records a scheduled-deletion intent.
func (ep *EventPublisher) PublishRetentionScheduled(workflowID string, retentionDays int, deleteAfter time.Time) error {
	return ep.Publish(Event{
		Type:       EventTypeRetentionScheduled,
		Source:     "governance",
		WorkflowID: workflowID,
		Message:    fmt.Sprintf("Workflow %s scheduled for deletion after %d days", workflowID, retentionDays),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"retention_days": retentionDays,
			"delete_after":   deleteAfter,
			"action":         "scheduled_for_deletion",
		},
	})
}

// PublishPolicyViolation records a governance rule breach.
func (ep *EventPublisher) PublishPolicyViolation(workflowID, taskID, rule, reason string) error {
	return ep.Publish(Event{
		Type:       EventTypePolicyViolation,
		Source:     "governance",
		WorkflowID: workflowID,
		TaskID:     taskID,
		Message:    fmt.Sprintf("Policy violation on task %s: %s - %s", taskID, rule, reason),
		Level:      EventLevelError,
		Data: map[string]interface{}{
			"rule":   rule,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			// Pick up whatever else is already queued.
			for len(batch) < ep.config.MaxBatchSize && len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			batch = batch[:0]

		case <-ep.ctx.Done():
			for len(ep.buffer) > 0 {
				batch = append(batch, <-ep.buffer)
			}
			ep.flushBatch(batch)
			return
		}
	}
}

func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher, delivering buffered events first.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber writes every event to logger as a structured audit line.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		var e *zerolog.Event
		switch event.Level {
		case EventLevelError:
			e = logger.Error()
		case EventLevelWarning:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e.Str("event_id", event.ID).
			Str("event_type", event.Type).
			Str("source", event.Source).
			Str("workflow_id", event.WorkflowID).
			Str("task_id", event.TaskID).
			Fields(event.Data).
			Msg(event.Message)
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByWorkflowID creates a filter that only allows events for one workflow.
func FilterByWorkflowID(workflowID string) EventFilter {
	return func(event Event) bool {
		return event.WorkflowID == workflowID
	}
}
