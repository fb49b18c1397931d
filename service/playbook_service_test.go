package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aegis/soar"
	"aegis/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// funcAction adapts a function to soar.Action
type funcAction struct {
	name string
	fn   func(ctx context.Context, params map[string]interface{}) (*soar.ActionResult, error)
}

func (a *funcAction) Name() string        { return a.name }
func (a *funcAction) Description() string { return "test action " + a.name }
func (a *funcAction) Execute(ctx context.Context, params map[string]interface{}, _ *soar.ExecutionContext) (*soar.ActionResult, error) {
	return a.fn(ctx, params)
}

func okAction(name string) *funcAction {
	return &funcAction{name: name, fn: func(context.Context, map[string]interface{}) (*soar.ActionResult, error) {
		return &soar.ActionResult{Success: true, Output: map[string]interface{}{name + "_done": true}}, nil
	}}
}

type harness struct {
	svc        *PlaybookService
	playbooks  *storage.SQLitePlaybookStorage
	executions *storage.SQLiteExecutionStorage
	tracker    *ProgressTracker
}

func newHarness(t *testing.T, cfg Config, actions ...soar.Action) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	db, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	playbooks := storage.NewSQLitePlaybookStorage(db, logger)
	executions := storage.NewSQLiteExecutionStorage(db, logger)
	tracker := NewProgressTracker(executions, logger)
	engine := soar.NewEngine(soar.EngineConfig{
		Registry: soar.MustNewRegistry(actions...),
		Notifier: tracker,
		Logger:   logger,
	})
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	svc := NewPlaybookService(playbooks, executions, engine, cfg, logger, WithProgressTracker(tracker))
	return &harness{svc: svc, playbooks: playbooks, executions: executions, tracker: tracker}
}

func (h *harness) addPlaybook(t *testing.T, id string, steps ...soar.Step) *soar.Playbook {
	t.Helper()
	pb := &soar.Playbook{
		ID:        id,
		Name:      "playbook " + id,
		Status:    soar.PlaybookStatusActive,
		IsEnabled: true,
		Steps:     steps,
	}
	require.NoError(t, h.playbooks.CreatePlaybook(context.Background(), pb))
	return pb
}

func TestCreateExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})

	input := map[string]interface{}{"alert": map[string]interface{}{"severity": "high"}}
	exec, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{Input: input, TriggeredBy: "analyst", TriggerSource: "cli"})
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusPending, exec.Status)
	assert.Equal(t, 1, exec.Attempt)
	assert.Equal(t, 1, exec.TotalSteps)

	input["alert"].(map[string]interface{})["severity"] = "low"
	stored, err := h.executions.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", stored.InputData["alert"].(map[string]interface{})["severity"])
	assert.Equal(t, "analyst", stored.TriggeredBy)
	assert.Equal(t, "cli", stored.TriggerSource)
}

func TestCreateExecution_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	disabled := h.addPlaybook(t, "pb-off", soar.Step{ID: "s1", Action: "log"})
	disabled.IsEnabled = false
	require.NoError(t, h.playbooks.UpdatePlaybook(ctx, disabled))

	_, err := h.svc.CreateExecution(ctx, "pb-off", ExecutionRequest{})
	assert.ErrorIs(t, err, ErrPlaybookDisabled)

	_, err = h.svc.CreateExecution(ctx, "missing", ExecutionRequest{})
	assert.ErrorIs(t, err, storage.ErrPlaybookNotFound)

	_, err = h.svc.CreateExecution(ctx, "", ExecutionRequest{})
	assert.Error(t, err)
}

func TestExecute_PersistsTerminalRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"), okAction("tag"))
	h.addPlaybook(t, "pb-1",
		soar.Step{ID: "s1", Action: "log", OnSuccess: "s2"},
		soar.Step{ID: "s2", Action: "tag"})

	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{Input: map[string]interface{}{"ip": "10.0.0.1"}})
	require.NoError(t, err)

	exec, err := h.svc.Execute(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCompleted, exec.Status)

	stored, err := h.executions.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCompleted, stored.Status)
	require.Len(t, stored.StepResults, 2)
	assert.Equal(t, "s2", stored.StepResults[1].StepID)
	assert.Equal(t, true, stored.OutputData["tag_done"])
	assert.Equal(t, "10.0.0.1", stored.OutputData["ip"])
	assert.NotNil(t, stored.CompletedAt)
	assert.Zero(t, h.svc.Running())

	_, err = h.svc.Execute(ctx, created.ID)
	assert.ErrorIs(t, err, ErrExecutionNotPending)
}

func TestExecute_FailedRunIsRecordedNotReturned(t *testing.T) {
	ctx := context.Background()
	failing := &funcAction{name: "boom", fn: func(context.Context, map[string]interface{}) (*soar.ActionResult, error) {
		return &soar.ActionResult{Success: false, Error: "firewall unreachable"}, nil
	}}
	h := newHarness(t, Config{}, failing)
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "boom"})

	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	exec, err := h.svc.Execute(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusFailed, exec.Status)

	stored, err := h.executions.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "firewall unreachable", stored.ErrorMessage)
	require.NotNil(t, stored.ErrorStep)
	assert.Equal(t, 1, *stored.ErrorStep)
}

func TestExecute_PlaybookDisabledAfterSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	pb := h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})

	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	pb.Status = soar.PlaybookStatusDisabled
	require.NoError(t, h.playbooks.UpdatePlaybook(ctx, pb))

	_, err = h.svc.Execute(ctx, created.ID)
	assert.ErrorIs(t, err, ErrPlaybookDisabled)

	stored, err := h.executions.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "not enabled")
	assert.Empty(t, stored.StepResults)
	require.NotNil(t, stored.ErrorStep, "every failed record names a step")
	assert.Equal(t, 0, *stored.ErrorStep)
}

func TestExecute_LockedByAnotherWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})
	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	release, err := h.svc.locker.Acquire(ctx, "execution:"+created.ID, time.Minute)
	require.NoError(t, err)

	_, err = h.svc.Execute(ctx, created.ID)
	assert.ErrorIs(t, err, ErrExecutionLocked)

	release()
	exec, err := h.svc.Execute(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCompleted, exec.Status)
}

// blockingAction signals when it starts and waits for its context or release
type blockingAction struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingAction() *blockingAction {
	return &blockingAction{started: make(chan struct{}), release: make(chan struct{})}
}

func (a *blockingAction) Name() string        { return "block" }
func (a *blockingAction) Description() string { return "blocks until released" }
func (a *blockingAction) Execute(ctx context.Context, _ map[string]interface{}, _ *soar.ExecutionContext) (*soar.ActionResult, error) {
	a.once.Do(func() { close(a.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.release:
		return &soar.ActionResult{Success: true}, nil
	}
}

func TestExecuteAsync_CancelRunning(t *testing.T) {
	ctx := context.Background()
	block := newBlockingAction()
	h := newHarness(t, Config{}, block, okAction("log"))
	h.addPlaybook(t, "pb-1",
		soar.Step{ID: "s1", Action: "block", OnSuccess: "s2"},
		soar.Step{ID: "s2", Action: "log"})

	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	done := make(chan *soar.Execution, 1)
	require.NoError(t, h.svc.ExecuteAsync(ctx, created.ID, func(exec *soar.Execution, err error) {
		assert.NoError(t, err)
		done <- exec
	}))

	select {
	case <-block.started:
	case <-time.After(5 * time.Second):
		t.Fatal("action never started")
	}
	assert.Equal(t, 1, h.svc.Running())
	require.NoError(t, h.svc.Cancel(ctx, created.ID))

	select {
	case exec := <-done:
		assert.Equal(t, soar.ExecutionStatusCancelled, exec.Status)
		assert.Len(t, exec.StepResults, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	h.svc.Wait()

	stored, err := h.executions.GetExecution(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCancelled, stored.Status)

	assert.ErrorIs(t, h.svc.Cancel(ctx, created.ID), ErrExecutionFinished)
}

func TestExecuteAsync_QueueFull(t *testing.T) {
	ctx := context.Background()
	block := newBlockingAction()
	h := newHarness(t, Config{MaxConcurrent: 1}, block)
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "block"})

	first, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)
	second, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	require.NoError(t, h.svc.ExecuteAsync(ctx, first.ID, nil))
	<-block.started

	assert.ErrorIs(t, h.svc.ExecuteAsync(ctx, second.ID, nil), ErrQueueFull)

	close(block.release)
	h.svc.Wait()

	stored, err := h.executions.GetExecution(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusPending, stored.Status)

	require.NoError(t, h.svc.ExecuteAsync(ctx, second.ID, nil))
	h.svc.Wait()
	stored, err = h.executions.GetExecution(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCompleted, stored.Status)
}

func TestCancel_Pending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})
	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, created.ID))

	_, err = h.svc.Execute(ctx, created.ID)
	assert.ErrorIs(t, err, ErrExecutionNotPending)
	assert.ErrorIs(t, h.svc.Cancel(ctx, created.ID), ErrExecutionFinished)
	assert.ErrorIs(t, h.svc.Cancel(ctx, "missing"), storage.ErrExecutionNotFound)
}

func TestExecuteWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	var calls int32
	flaky := &funcAction{name: "flaky", fn: func(context.Context, map[string]interface{}) (*soar.ActionResult, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("upstream unavailable")
		}
		return &soar.ActionResult{Success: true}, nil
	}}
	h := newHarness(t, Config{}, flaky)
	pb := h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "flaky"})
	pb.MaxRetries = 3
	require.NoError(t, h.playbooks.UpdatePlaybook(ctx, pb))

	exec, err := h.svc.ExecuteWithRetry(ctx, "pb-1", ExecutionRequest{TriggeredBy: "scheduler"})
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.Attempt)
	assert.NotEmpty(t, exec.ParentExecutionID)

	all, total, err := h.executions.ListExecutions(ctx, storage.ExecutionFilter{PlaybookID: "pb-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	failed := 0
	for _, e := range all {
		switch e.Attempt {
		case 1:
			assert.Empty(t, e.ParentExecutionID)
			assert.Equal(t, exec.ParentExecutionID, e.ID)
		default:
			assert.Equal(t, exec.ParentExecutionID, e.ParentExecutionID)
		}
		if e.Status == soar.ExecutionStatusFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestExecuteWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	failing := &funcAction{name: "boom", fn: func(context.Context, map[string]interface{}) (*soar.ActionResult, error) {
		return nil, errors.New("always broken")
	}}
	h := newHarness(t, Config{}, failing)
	pb := h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "boom"})
	pb.MaxRetries = 1
	require.NoError(t, h.playbooks.UpdatePlaybook(ctx, pb))

	exec, err := h.svc.ExecuteWithRetry(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 2, exec.Attempt)

	_, total, err := h.executions.ListExecutions(ctx, storage.ExecutionFilter{PlaybookID: "pb-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestRetryDelay(t *testing.T) {
	svc := &PlaybookService{retryBaseDelay: time.Second}
	assert.Equal(t, time.Second, svc.retryDelay(1))
	assert.Equal(t, 2*time.Second, svc.retryDelay(2))
	assert.Equal(t, 4*time.Second, svc.retryDelay(3))
	assert.Equal(t, maxRetryDelay, svc.retryDelay(20))
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})

	orphan, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)
	require.NoError(t, h.executions.ClaimExecution(ctx, orphan.ID))
	orphan.Status = soar.ExecutionStatusRunning
	orphan.CurrentStep = 1
	require.NoError(t, h.executions.SaveExecution(ctx, orphan))

	// claimed but interrupted before its first step
	early, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)
	require.NoError(t, h.executions.ClaimExecution(ctx, early.ID))

	untouched, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)

	n, err := h.svc.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	storedEarly, err := h.executions.GetExecution(ctx, early.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusFailed, storedEarly.Status)
	require.NotNil(t, storedEarly.ErrorStep)
	assert.Equal(t, 0, *storedEarly.ErrorStep)

	stored, err := h.executions.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, interruptedMessage, stored.ErrorMessage)
	require.NotNil(t, stored.ErrorStep)
	assert.Equal(t, 1, *stored.ErrorStep)

	pending, err := h.executions.GetExecution(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, soar.ExecutionStatusPending, pending.Status)
}

func TestProgressIsPersistedBetweenSteps(t *testing.T) {
	ctx := context.Background()
	var executionID string
	var seen []soar.StepResult
	probe := &funcAction{name: "probe", fn: func(ctx context.Context, _ map[string]interface{}) (*soar.ActionResult, error) {
		return nil, nil
	}}
	h := newHarness(t, Config{}, okAction("log"), probe)
	probe.fn = func(ctx context.Context, _ map[string]interface{}) (*soar.ActionResult, error) {
		stored, err := h.executions.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		seen = stored.StepResults
		return &soar.ActionResult{Success: true}, nil
	}
	h.addPlaybook(t, "pb-1",
		soar.Step{ID: "s1", Action: "log", OnSuccess: "s2"},
		soar.Step{ID: "s2", Action: "probe"})

	created, err := h.svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	require.NoError(t, err)
	executionID = created.ID

	exec, err := h.svc.Execute(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, soar.ExecutionStatusCompleted, exec.Status)
	require.Len(t, seen, 1)
	assert.Equal(t, "s1", seen[0].StepID)
}

// MockExecutionStorage is a testify mock of storage.ExecutionStorage
type MockExecutionStorage struct {
	mock.Mock
}

func (m *MockExecutionStorage) CreateExecution(ctx context.Context, exec *soar.Execution) error {
	return m.Called(ctx, exec).Error(0)
}

func (m *MockExecutionStorage) GetExecution(ctx context.Context, id string) (*soar.Execution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*soar.Execution), args.Error(1)
}

func (m *MockExecutionStorage) SaveExecution(ctx context.Context, exec *soar.Execution) error {
	return m.Called(ctx, exec).Error(0)
}

func (m *MockExecutionStorage) ClaimExecution(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockExecutionStorage) CancelPendingExecution(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockExecutionStorage) ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]*soar.Execution, int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]*soar.Execution), args.Get(1).(int64), args.Error(2)
}

func (m *MockExecutionStorage) GetPendingExecutions(ctx context.Context, limit int) ([]*soar.Execution, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]*soar.Execution), args.Error(1)
}

func (m *MockExecutionStorage) GetRunningExecutions(ctx context.Context) ([]*soar.Execution, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*soar.Execution), args.Error(1)
}

func TestStorageErrorsAreWrapped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{}, okAction("log"))
	h.addPlaybook(t, "pb-1", soar.Step{ID: "s1", Action: "log"})

	dbErr := errors.New("disk I/O error")
	execs := new(MockExecutionStorage)
	execs.On("CreateExecution", mock.Anything, mock.AnythingOfType("*soar.Execution")).Return(dbErr)
	execs.On("GetExecution", mock.Anything, "ex-1").Return(nil, dbErr)
	execs.On("GetRunningExecutions", mock.Anything).Return([]*soar.Execution{}, dbErr)

	svc := NewPlaybookService(h.playbooks, execs, soar.NewEngine(soar.EngineConfig{}), Config{}, zap.NewNop().Sugar())

	_, err := svc.CreateExecution(ctx, "pb-1", ExecutionRequest{})
	assert.ErrorIs(t, err, dbErr)
	assert.Contains(t, err.Error(), "failed to create execution")

	_, err = svc.Execute(ctx, "ex-1")
	assert.ErrorIs(t, err, dbErr)

	_, err = svc.RecoverInterrupted(ctx)
	assert.ErrorIs(t, err, dbErr)

	execs.AssertExpectations(t)
}

func TestNewPlaybookService_RequiresDependencies(t *testing.T) {
	assert.Panics(t, func() {
		NewPlaybookService(nil, nil, soar.NewEngine(soar.EngineConfig{}), Config{}, nil)
	})
}
