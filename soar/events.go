package soar

import (
	"context"
	"time"
)

// EventType names a lifecycle point of an execution
type EventType string

const (
	EventExecutionStarted   EventType = "execution_started"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"
)

// Event is a lifecycle notification. Payload fields depend on Type:
//
//	execution_started:   execution_id, playbook_id, playbook_name
//	step_started:        execution_id, step_number, step_name, action
//	step_completed:      execution_id, step_number, step_name, action, success
//	execution_completed: execution_id, playbook_id, status
//	execution_failed:    execution_id, playbook_id, error, failed_step
//	execution_cancelled: execution_id, playbook_id, status, cancelled_at_step
type Event struct {
	Type      EventType              `json:"type" msgpack:"type"`
	Payload   map[string]interface{} `json:"payload" msgpack:"payload"`
	Timestamp time.Time              `json:"timestamp" msgpack:"timestamp"`
}

// Notifier receives lifecycle events. The engine calls it synchronously and
// only logs returned errors.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, event *Event) error

// Notify calls f
func (f NotifierFunc) Notify(ctx context.Context, event *Event) error { return f(ctx, event) }

// NoOpNotifier discards every event
type NoOpNotifier struct{}

// Notify does nothing
func (NoOpNotifier) Notify(ctx context.Context, event *Event) error { return nil }

func newEvent(eventType EventType, payload map[string]interface{}) *Event {
	return &Event{Type: eventType, Payload: payload, Timestamp: time.Now().UTC()}
}
