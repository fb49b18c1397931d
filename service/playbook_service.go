package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aegis/metrics"
	"aegis/soar"
	"aegis/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent  = 10
	defaultLockTTL        = 2 * time.Hour
	defaultRetryBaseDelay = 5 * time.Second
	maxRetryDelay         = 5 * time.Minute

	interruptedMessage = "interrupted: worker stopped before the execution finished"
)

// Config tunes PlaybookService. Zero values fall back to defaults.
type Config struct {
	MaxConcurrent  int
	LockTTL        time.Duration
	RetryBaseDelay time.Duration
}

// ExecutionRequest describes a new run
type ExecutionRequest struct {
	Input         map[string]interface{}
	IncidentID    string
	TriggeredBy   string
	TriggerSource string
}

// PlaybookService owns the lifecycle of execution records around the engine:
// creating them, claiming and running them once, cancelling, retrying and
// recovering records orphaned by a crash.
type PlaybookService struct {
	playbooks  storage.PlaybookStorage
	executions storage.ExecutionStorage
	engine     *soar.Engine
	locker     Locker
	progress   *ProgressTracker
	logger     *zap.SugaredLogger

	lockTTL        time.Duration
	retryBaseDelay time.Duration
	sem            *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a PlaybookService
type Option func(*PlaybookService)

// WithLocker replaces the default in-process locker
func WithLocker(l Locker) Option { return func(s *PlaybookService) { s.locker = l } }

// WithProgressTracker persists step progress through tracker. The tracker
// must also be registered as a notifier on the engine.
func WithProgressTracker(p *ProgressTracker) Option {
	return func(s *PlaybookService) { s.progress = p }
}

// NewPlaybookService wires the service. Storage and engine are required.
func NewPlaybookService(
	playbooks storage.PlaybookStorage,
	executions storage.ExecutionStorage,
	engine *soar.Engine,
	cfg Config,
	logger *zap.SugaredLogger,
	opts ...Option,
) *PlaybookService {
	if playbooks == nil || executions == nil {
		panic("playbook and execution storage are required")
	}
	if engine == nil {
		panic("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}

	s := &PlaybookService{
		playbooks:      playbooks,
		executions:     executions,
		engine:         engine,
		locker:         NewMemoryLocker(),
		logger:         logger,
		lockTTL:        cfg.LockTTL,
		retryBaseDelay: cfg.RetryBaseDelay,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateExecution stores a PENDING record for a runnable playbook
func (s *PlaybookService) CreateExecution(ctx context.Context, playbookID string, req ExecutionRequest) (*soar.Execution, error) {
	if playbookID == "" {
		return nil, fmt.Errorf("playbookID is required")
	}
	pb, err := s.playbooks.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}
	return s.createExecution(ctx, pb, req, 1, "")
}

func (s *PlaybookService) createExecution(ctx context.Context, pb *soar.Playbook, req ExecutionRequest, attempt int, parentID string) (*soar.Execution, error) {
	if !pb.Runnable() {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrPlaybookDisabled, pb.ID, pb.Status)
	}

	exec := soar.NewExecution(uuid.NewString(), pb.ID, copyInput(req.Input))
	exec.IncidentID = req.IncidentID
	exec.TriggeredBy = req.TriggeredBy
	exec.TriggerSource = req.TriggerSource
	exec.TotalSteps = len(pb.Steps)
	exec.Attempt = attempt
	exec.ParentExecutionID = parentID

	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	s.logger.Infow("Execution created",
		"execution_id", exec.ID,
		"playbook_id", pb.ID,
		"attempt", attempt,
		"triggered_by", req.TriggeredBy)
	return exec, nil
}

// Execute runs a PENDING execution to completion and persists the terminal
// record. A run failure is not an error: it is recorded on the execution.
func (s *PlaybookService) Execute(ctx context.Context, executionID string) (*soar.Execution, error) {
	release, err := s.locker.Acquire(ctx, "execution:"+executionID, s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	// Registered before the claim so a concurrent Cancel always finds either
	// the PENDING record or this run.
	runCtx, cancel := context.WithCancel(ctx)
	s.track(executionID, cancel)
	defer s.untrack(executionID)

	exec, err := s.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	if exec.Status != soar.ExecutionStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionNotPending, exec.ID, exec.Status)
	}

	pb, err := s.playbooks.GetPlaybook(ctx, exec.PlaybookID)
	if err != nil && !errors.Is(err, storage.ErrPlaybookNotFound) {
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}
	if err := s.executions.ClaimExecution(ctx, exec.ID); err != nil {
		if errors.Is(err, storage.ErrExecutionNotClaimable) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotPending, exec.ID)
		}
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}

	switch {
	case pb == nil:
		return s.abort(ctx, exec, fmt.Sprintf("playbook %s not found", exec.PlaybookID))
	case !pb.Runnable():
		return s.abort(ctx, exec, fmt.Sprintf("playbook %s is not enabled", pb.ID))
	}

	if s.progress != nil {
		s.progress.Track(exec)
		defer s.progress.Untrack(exec.ID)
	}

	s.engine.Execute(runCtx, exec, pb)

	if err := s.executions.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		return exec, fmt.Errorf("failed to save execution result: %w", err)
	}
	return exec, nil
}

// abort fails a claimed execution that cannot run
func (s *PlaybookService) abort(ctx context.Context, exec *soar.Execution, message string) (*soar.Execution, error) {
	now := time.Now().UTC()
	exec.Status = soar.ExecutionStatusFailed
	exec.ErrorMessage = message
	step := exec.CurrentStep
	exec.ErrorStep = &step
	exec.CompletedAt = &now
	s.logger.Warnw("Execution aborted before start",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID,
		"reason", message)
	if err := s.executions.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		return exec, fmt.Errorf("failed to save execution: %w", err)
	}
	return exec, fmt.Errorf("%w: %s", ErrPlaybookDisabled, message)
}

// ExecuteAsync runs the execution in the background if a slot is free.
// done, when non-nil, receives the outcome.
func (s *PlaybookService) ExecuteAsync(ctx context.Context, executionID string, done func(*soar.Execution, error)) error {
	if !s.sem.TryAcquire(1) {
		metrics.QueueRejections.Inc()
		return ErrQueueFull
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		exec, err := s.Execute(context.WithoutCancel(ctx), executionID)
		if err != nil {
			s.logger.Warnw("Background execution did not complete",
				"execution_id", executionID,
				"error", err)
		}
		if done != nil {
			done(exec, err)
		}
	}()
	return nil
}

// Wait blocks until every background execution has returned
func (s *PlaybookService) Wait() { s.wg.Wait() }

// Cancel stops a running execution at its next step boundary, or marks a
// PENDING one CANCELLED before it starts
func (s *PlaybookService) Cancel(ctx context.Context, executionID string) error {
	s.mu.Lock()
	cancel, ok := s.running[executionID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Infow("Cancellation requested", "execution_id", executionID)
		return nil
	}

	err := s.executions.CancelPendingExecution(ctx, executionID)
	if errors.Is(err, storage.ErrExecutionNotClaimable) {
		return fmt.Errorf("%w: %s", ErrExecutionFinished, executionID)
	}
	if err != nil {
		return err
	}
	s.logger.Infow("Pending execution cancelled", "execution_id", executionID)
	return nil
}

// Running reports how many executions this process is currently running
func (s *PlaybookService) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *PlaybookService) track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()
}

func (s *PlaybookService) untrack(id string) {
	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()
}

// ExecuteWithRetry runs the playbook and, while the run ends FAILED, retries
// it up to the playbook's max_retries with exponential backoff. Every attempt
// is its own execution record linked to the first through
// ParentExecutionID. The last attempt is returned.
func (s *PlaybookService) ExecuteWithRetry(ctx context.Context, playbookID string, req ExecutionRequest) (*soar.Execution, error) {
	pb, err := s.playbooks.GetPlaybook(ctx, playbookID)
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}

	first, err := s.createExecution(ctx, pb, req, 1, "")
	if err != nil {
		return nil, err
	}
	exec, err := s.Execute(ctx, first.ID)
	if err != nil {
		return exec, err
	}

	for attempt := 1; attempt <= pb.MaxRetries && exec.Status == soar.ExecutionStatusFailed; attempt++ {
		delay := s.retryDelay(attempt)
		s.logger.Infow("Retrying failed execution",
			"execution_id", exec.ID,
			"playbook_id", playbookID,
			"attempt", attempt+1,
			"delay", delay,
			"error", exec.ErrorMessage)

		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-time.After(delay):
		}

		next, err := s.createExecution(ctx, pb, req, attempt+1, first.ID)
		if err != nil {
			return exec, err
		}
		if exec, err = s.Execute(ctx, next.ID); err != nil {
			return exec, err
		}
	}
	return exec, nil
}

func (s *PlaybookService) retryDelay(attempt int) time.Duration {
	delay := s.retryBaseDelay << uint(attempt-1)
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// RecoverInterrupted fails every RUNNING record. It must only be called at
// startup, before this process runs anything, since any RUNNING record then
// belongs to a process that died.
func (s *PlaybookService) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := s.executions.GetRunningExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running executions: %w", err)
	}

	recovered := 0
	for _, exec := range stale {
		now := time.Now().UTC()
		exec.Status = soar.ExecutionStatusFailed
		exec.ErrorMessage = interruptedMessage
		exec.CompletedAt = &now
		step := exec.CurrentStep
		exec.ErrorStep = &step
		if err := s.executions.SaveExecution(ctx, exec); err != nil {
			s.logger.Errorw("Failed to mark interrupted execution",
				"execution_id", exec.ID,
				"error", err)
			continue
		}
		metrics.PlaybookExecutionsTotal.WithLabelValues(exec.PlaybookID, string(soar.ExecutionStatusFailed)).Inc()
		recovered++
	}
	if recovered > 0 {
		s.logger.Warnw("Recovered interrupted executions", "count", recovered)
	}
	return recovered, nil
}
