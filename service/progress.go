package service

import (
	"context"
	"sync"

	"aegis/soar"

	"go.uber.org/zap"
)

// ExecutionSaver is the part of execution storage progress tracking needs
type ExecutionSaver interface {
	SaveExecution(ctx context.Context, exec *soar.Execution) error
}

// ProgressTracker persists tracked executions every time a step completes,
// so a crash leaves the record pointing at the last finished step.
//
// The engine calls notifiers on the goroutine that mutates the execution, so
// saving from Notify sees a consistent record.
type ProgressTracker struct {
	store  ExecutionSaver
	logger *zap.SugaredLogger

	mu      sync.Mutex
	tracked map[string]*soar.Execution
}

// NewProgressTracker creates a tracker writing to store
func NewProgressTracker(store ExecutionSaver, logger *zap.SugaredLogger) *ProgressTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProgressTracker{store: store, logger: logger, tracked: make(map[string]*soar.Execution)}
}

// Track starts persisting progress for exec
func (p *ProgressTracker) Track(exec *soar.Execution) {
	p.mu.Lock()
	p.tracked[exec.ID] = exec
	p.mu.Unlock()
}

// Untrack stops persisting progress for the execution
func (p *ProgressTracker) Untrack(executionID string) {
	p.mu.Lock()
	delete(p.tracked, executionID)
	p.mu.Unlock()
}

// Notify saves the tracked execution on step_completed
func (p *ProgressTracker) Notify(ctx context.Context, event *soar.Event) error {
	if event.Type != soar.EventStepCompleted {
		return nil
	}
	id, _ := event.Payload["execution_id"].(string)

	p.mu.Lock()
	exec, ok := p.tracked[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.store.SaveExecution(ctx, exec); err != nil {
		p.logger.Warnw("Failed to persist execution progress",
			"execution_id", id,
			"error", err)
		return err
	}
	return nil
}
