package soar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// errRunCancelled marks a run stopped by its caller's context
var errRunCancelled = errors.New("execution cancelled")

// EngineConfig wires the engine's collaborators. Only Registry is required.
type EngineConfig struct {
	Registry    *Registry
	Notifier    Notifier
	AuditLogger AuditLogger
	Logger      *zap.SugaredLogger
	Tracer      trace.Tracer
	// DefaultStepTimeout replaces the five minute default for steps that
	// set no timeout of their own
	DefaultStepTimeout time.Duration
}

// Engine walks a playbook's step graph for one execution at a time per call.
// It holds no per-run state, so a single Engine may serve concurrent runs.
type Engine struct {
	registry    *Registry
	runner      *StepRunner
	notifier    Notifier
	auditLogger AuditLogger
	logger      *zap.SugaredLogger
	tracer      trace.Tracer
}

// NewEngine creates a playbook engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NoOpNotifier{}
	}
	if cfg.AuditLogger == nil {
		cfg.AuditLogger = &NoOpAuditLogger{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("aegis/soar")
	}
	if cfg.Registry == nil {
		cfg.Registry = MustNewRegistry()
	}

	runner := NewStepRunner(cfg.Registry, cfg.Logger)
	runner.defaultTimeout = cfg.DefaultStepTimeout

	return &Engine{
		registry:    cfg.Registry,
		runner:      runner,
		notifier:    cfg.Notifier,
		auditLogger: cfg.AuditLogger,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
	}
}

// Registry returns the action registry the engine dispatches to
func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs playbook against execution and returns the same record in a
// terminal state (COMPLETED, FAILED or CANCELLED). It never panics and never
// returns an error; failures are recorded on the execution.
//
// Cancelling ctx is cooperative: it is observed between steps. The running
// step sees the cancellation through its own context but is not forcibly
// interrupted.
func (e *Engine) Execute(ctx context.Context, execution *Execution, playbook *Playbook) *Execution {
	r := &run{
		engine:   e,
		exec:     execution,
		playbook: playbook,
		vars:     NewExecutionContext(),
	}
	return r.execute(ctx)
}

// run holds the state of a single execution
type run struct {
	engine   *Engine
	exec     *Execution
	playbook *Playbook
	vars     *ExecutionContext
	span     trace.Span
}

func (r *run) execute(ctx context.Context) *Execution {
	e := r.engine
	exec := r.exec

	ctx, r.span = e.tracer.Start(ctx, "playbook.execute", trace.WithAttributes(
		attribute.String("playbook.id", r.playbook.ID),
		attribute.String("execution.id", exec.ID),
	))
	defer r.span.End()

	defer func() {
		if p := recover(); p != nil {
			e.logger.Errorw("Playbook execution panicked",
				"execution_id", exec.ID,
				"playbook_id", r.playbook.ID,
				"panic", p)
			r.fail(ctx, &PlaybookError{
				PlaybookID: r.playbook.ID,
				Message:    fmt.Sprintf("internal error: %v", p),
			})
		}
	}()

	if exec.StepResults == nil {
		exec.StepResults = []StepResult{}
	}
	r.vars.Seed(r.playbook.Variables, exec.InputData)

	now := time.Now().UTC()
	exec.Status = ExecutionStatusRunning
	exec.StartedAt = &now
	exec.CompletedAt = nil
	exec.TotalSteps = len(r.playbook.Steps)
	exec.CurrentStep = 0
	exec.ErrorMessage = ""
	exec.ErrorStep = nil

	if len(r.playbook.Steps) == 0 {
		e.logger.Infow("Playbook has no steps, completing immediately",
			"execution_id", exec.ID,
			"playbook_id", r.playbook.ID)
		r.complete(ctx)
		return exec
	}

	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	e.logger.Infow("Starting playbook execution",
		"execution_id", exec.ID,
		"playbook_id", r.playbook.ID,
		"playbook_name", r.playbook.Name,
		"total_steps", exec.TotalSteps)

	r.audit(ctx, &AuditEvent{EventType: "execution_started", Result: "running"})
	r.notify(ctx, EventExecutionStarted, map[string]interface{}{
		"execution_id":  exec.ID,
		"playbook_id":   r.playbook.ID,
		"playbook_name": r.playbook.Name,
	})

	runCtx := ctx
	if r.playbook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(r.playbook.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	err := r.walk(ctx, runCtx)
	switch {
	case err == nil:
		r.complete(ctx)
	case errors.Is(err, errRunCancelled):
		r.cancel(ctx)
	default:
		r.fail(ctx, err)
	}
	return exec
}

// walk follows the step graph from the entry point until no successor
// remains or a fatal condition stops the run.
func (r *run) walk(ctx, runCtx context.Context) error {
	steps := r.playbook.Steps
	lookup := make(map[string]*Step, len(steps))
	for i := range steps {
		if _, dup := lookup[steps[i].ID]; !dup {
			lookup[steps[i].ID] = &steps[i]
		}
	}

	maxExecutions := 2 * len(steps)
	executed := 0
	currentID := steps[0].ID

	for currentID != "" {
		if err := r.checkBoundary(ctx, runCtx); err != nil {
			return err
		}
		if executed >= maxExecutions {
			return newPlaybookError(r.playbook.ID, currentID, ErrStepLimitExceeded,
				"maximum step executions exceeded (%d): possible cycle in playbook graph", maxExecutions)
		}

		step, ok := lookup[currentID]
		if !ok {
			return newPlaybookError(r.playbook.ID, currentID, ErrStepNotFound,
				"step %q not found in playbook %s", currentID, r.playbook.ID)
		}

		executed++
		result := r.runStep(runCtx, step)

		if err := r.checkBoundary(ctx, runCtx); err != nil {
			return err
		}

		next, err := r.next(step, result)
		if err != nil {
			return err
		}
		currentID = next
	}
	return nil
}

// runStep executes one step and records its result on the execution
func (r *run) runStep(ctx context.Context, step *Step) *StepResult {
	e := r.engine
	exec := r.exec

	exec.CurrentStep++
	stepNumber := exec.CurrentStep

	stepCtx, span := e.tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.action", step.Action),
		attribute.Int("step.number", stepNumber),
	))
	defer span.End()

	e.logger.Infow("Executing playbook step",
		"execution_id", exec.ID,
		"step_number", stepNumber,
		"step_id", step.ID,
		"action", step.Action)

	r.notify(ctx, EventStepStarted, map[string]interface{}{
		"execution_id": exec.ID,
		"step_number":  stepNumber,
		"step_name":    step.DisplayName(),
		"action":       step.Action,
	})

	result := e.runner.Run(stepCtx, step, r.vars)
	result.StepNumber = stepNumber
	exec.StepResults = append(exec.StepResults, *result)

	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	span.SetAttributes(attribute.Bool("step.success", result.Success))

	r.notify(ctx, EventStepCompleted, map[string]interface{}{
		"execution_id": exec.ID,
		"step_number":  stepNumber,
		"step_name":    step.DisplayName(),
		"action":       step.Action,
		"success":      result.Success,
	})

	r.vars.ApplyStepResult(step.ID, result.ActionResult())

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	r.audit(ctx, &AuditEvent{
		EventType:    "step_executed",
		StepID:       step.ID,
		StepName:     step.DisplayName(),
		Action:       step.Action,
		Result:       outcome,
		ErrorMessage: result.Error,
		DurationMs:   result.DurationMs,
	})

	return result
}

// next applies the branching rules to a finished step
func (r *run) next(step *Step, result *StepResult) (string, error) {
	if step.Action == ActionConditional && result.Success {
		if result.ActionResult().ConditionMet() {
			return step.OnSuccess, nil
		}
		return step.OnFailure, nil
	}

	if result.Success {
		return step.OnSuccess, nil
	}

	if step.ContinueOnError {
		r.engine.logger.Warnw("Step failed, continuing on error",
			"execution_id", r.exec.ID,
			"step_id", step.ID,
			"error", result.Error)
		return step.OnSuccess, nil
	}
	if step.OnFailure != "" {
		return step.OnFailure, nil
	}
	return "", &PlaybookError{
		PlaybookID: r.playbook.ID,
		StepID:     step.ID,
		Message:    result.Error,
		Err:        ErrStepFailed,
	}
}

// checkBoundary reports caller cancellation before watchdog expiry
func (r *run) checkBoundary(ctx, runCtx context.Context) error {
	if ctx.Err() != nil {
		return errRunCancelled
	}
	if runCtx.Err() != nil {
		return newPlaybookError(r.playbook.ID, "", ErrPlaybookTimeout,
			"playbook timed out after %ds", r.playbook.TimeoutSeconds)
	}
	return nil
}

func (r *run) complete(ctx context.Context) {
	exec := r.exec
	r.finish(ExecutionStatusCompleted)

	r.engine.logger.Infow("Playbook execution completed",
		"execution_id", exec.ID,
		"playbook_id", r.playbook.ID,
		"steps_executed", len(exec.StepResults),
		"duration", exec.Duration())

	r.audit(ctx, &AuditEvent{EventType: "execution_finished", Result: "success", DurationMs: exec.Duration().Milliseconds()})
	r.notify(ctx, EventExecutionCompleted, map[string]interface{}{
		"execution_id": exec.ID,
		"playbook_id":  r.playbook.ID,
		"status":       string(ExecutionStatusCompleted),
	})
}

func (r *run) fail(ctx context.Context, err error) {
	exec := r.exec
	message := err.Error()
	var pbErr *PlaybookError
	if errors.As(err, &pbErr) {
		message = pbErr.Message
	}

	r.finish(ExecutionStatusFailed)
	exec.ErrorMessage = message
	failedStep := exec.CurrentStep
	exec.ErrorStep = &failedStep

	r.span.SetStatus(codes.Error, message)
	r.engine.logger.Errorw("Playbook execution failed",
		"execution_id", exec.ID,
		"playbook_id", r.playbook.ID,
		"failed_step", failedStep,
		"error", message)

	r.audit(ctx, &AuditEvent{
		EventType:    "execution_finished",
		Result:       "failure",
		ErrorMessage: message,
		DurationMs:   exec.Duration().Milliseconds(),
	})
	r.notify(ctx, EventExecutionFailed, map[string]interface{}{
		"execution_id": exec.ID,
		"playbook_id":  r.playbook.ID,
		"error":        message,
		"failed_step":  failedStep,
	})
}

func (r *run) cancel(ctx context.Context) {
	exec := r.exec
	r.finish(ExecutionStatusCancelled)

	r.engine.logger.Warnw("Playbook execution cancelled",
		"execution_id", exec.ID,
		"playbook_id", r.playbook.ID,
		"cancelled_at_step", exec.CurrentStep)

	r.audit(ctx, &AuditEvent{EventType: "execution_finished", Result: "cancelled", DurationMs: exec.Duration().Milliseconds()})
	r.notify(ctx, EventExecutionCancelled, map[string]interface{}{
		"execution_id":      exec.ID,
		"playbook_id":       r.playbook.ID,
		"status":            string(ExecutionStatusCancelled),
		"cancelled_at_step": exec.CurrentStep,
	})
}

// finish sets the terminal status and the final context snapshot
func (r *run) finish(status ExecutionStatus) {
	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.OutputData = r.vars.Snapshot()

	metrics.PlaybookExecutionsTotal.WithLabelValues(r.playbook.ID, string(status)).Inc()
	metrics.PlaybookExecutionDuration.WithLabelValues(r.playbook.ID).Observe(r.exec.Duration().Seconds())
}

// notify delivers an event without letting the run's cancellation or a
// notifier error affect the execution.
func (r *run) notify(ctx context.Context, eventType EventType, payload map[string]interface{}) {
	defer func() {
		if p := recover(); p != nil {
			r.engine.logger.Errorw("Lifecycle notifier panicked",
				"execution_id", r.exec.ID,
				"event", eventType,
				"panic", p)
		}
	}()
	if err := r.engine.notifier.Notify(context.WithoutCancel(ctx), newEvent(eventType, payload)); err != nil {
		r.engine.logger.Warnw("Lifecycle notification failed",
			"execution_id", r.exec.ID,
			"event", eventType,
			"error", err)
	}
}

func (r *run) audit(ctx context.Context, event *AuditEvent) {
	event.PlaybookID = r.playbook.ID
	event.ExecutionID = r.exec.ID
	event.TriggeredBy = r.exec.TriggeredBy
	event.Timestamp = time.Now().UTC()
	if err := r.engine.auditLogger.Log(context.WithoutCancel(ctx), event); err != nil {
		r.engine.logger.Warnw("Failed to write audit event",
			"execution_id", r.exec.ID,
			"event_type", event.EventType,
			"error", err)
	}
}
