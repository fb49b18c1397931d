package soar

import (
	"context"
	"sync"
)

// MockAction is a scriptable action for engine tests
type MockAction struct {
	name    string
	execute func(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error)

	mu    sync.Mutex
	calls []map[string]interface{}
}

func newMockAction(name string, fn func(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error)) *MockAction {
	return &MockAction{name: name, execute: fn}
}

// succeedWith returns an action that always succeeds with output
func succeedWith(name string, output map[string]interface{}) *MockAction {
	return newMockAction(name, func(context.Context, map[string]interface{}, *ExecutionContext) (*ActionResult, error) {
		return &ActionResult{Success: true, Output: output}, nil
	})
}

// failWith returns an action that always reports failure
func failWith(name, message string) *MockAction {
	return newMockAction(name, func(context.Context, map[string]interface{}, *ExecutionContext) (*ActionResult, error) {
		return &ActionResult{Success: false, Error: message}, nil
	})
}

func (m *MockAction) Name() string        { return m.name }
func (m *MockAction) Description() string { return "mock " + m.name }

func (m *MockAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, params)
	m.mu.Unlock()
	return m.execute(ctx, params, execCtx)
}

func (m *MockAction) Calls() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}{}, m.calls...)
}

// recordingNotifier captures lifecycle events in order
type recordingNotifier struct {
	mu     sync.Mutex
	events []*Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func (n *recordingNotifier) Last() *Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return nil
	}
	return n.events[len(n.events)-1]
}

func stepIDs(exec *Execution) []string {
	ids := make([]string, 0, len(exec.StepResults))
	for _, r := range exec.StepResults {
		ids = append(ids, r.StepID)
	}
	return ids
}

func newPlaybook(id string, steps ...Step) *Playbook {
	return &Playbook{
		ID:        id,
		Name:      "Playbook " + id,
		Status:    PlaybookStatusActive,
		IsEnabled: true,
		Steps:     steps,
	}
}
