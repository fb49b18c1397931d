package soar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/metrics"

	"go.uber.org/zap"
)

type actionOutcome struct {
	result *ActionResult
	err    error
}

// StepRunner executes a single step against a context
type StepRunner struct {
	registry       *Registry
	logger         *zap.SugaredLogger
	defaultTimeout time.Duration
}

// NewStepRunner creates a step runner backed by registry
func NewStepRunner(registry *Registry, logger *zap.SugaredLogger) *StepRunner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StepRunner{registry: registry, logger: logger}
}

// Run resolves the step's action, renders its parameters and invokes it with
// a bounded wait. It never returns an error: every failure mode is folded
// into a StepResult with Success=false.
func (r *StepRunner) Run(ctx context.Context, step *Step, execCtx *ExecutionContext) *StepResult {
	started := time.Now()
	result := &StepResult{
		StepID:   step.ID,
		StepName: step.DisplayName(),
		Action:   step.Action,
	}

	defer func() {
		result.ExecutedAt = time.Now().UTC()
		result.DurationMs = time.Since(started).Milliseconds()
		metrics.StepDuration.WithLabelValues(step.Action).Observe(time.Since(started).Seconds())
	}()

	action, ok := r.registry.Resolve(step.Action)
	if !ok {
		result.Error = ErrUnknownAction.Error()
		metrics.StepFailures.WithLabelValues(step.Action, "unknown_action").Inc()
		r.logger.Warnw("Step references unknown action",
			"step_id", step.ID,
			"action", step.Action)
		return result
	}

	params := execCtx.RenderParameters(step.Parameters)
	if v, ok := action.(ParamValidator); ok {
		if err := v.ValidateParams(params); err != nil {
			result.Error = fmt.Sprintf("invalid parameters: %v", err)
			metrics.StepFailures.WithLabelValues(step.Action, "invalid_params").Inc()
			return result
		}
	}
	timeout := step.Timeout()
	if step.TimeoutSeconds <= 0 && r.defaultTimeout > 0 {
		timeout = r.defaultTimeout
	}

	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan actionOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- actionOutcome{err: fmt.Errorf("action %s panicked: %v", step.Action, p)}
			}
		}()
		res, err := action.Execute(actionCtx, params, execCtx)
		done <- actionOutcome{result: res, err: err}
	}()

	var outcome actionOutcome
	select {
	case outcome = <-done:
	case <-actionCtx.Done():
		outcome = actionOutcome{err: actionCtx.Err()}
	}

	// A deadline on the step context that is not inherited from the parent
	// is this step's own timeout.
	if outcome.err != nil && errors.Is(actionCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.Error = "timed out after " + formatTimeout(timeout)
		metrics.StepFailures.WithLabelValues(step.Action, "timeout").Inc()
		r.logger.Warnw("Step timed out",
			"step_id", step.ID,
			"action", step.Action,
			"timeout", timeout)
		return result
	}

	if outcome.err != nil {
		result.Error = outcome.err.Error()
		if outcome.result != nil {
			result.Output = outcome.result.Output
			result.Details = outcome.result.Details
		}
		metrics.StepFailures.WithLabelValues(step.Action, "error").Inc()
		r.logger.Warnw("Step action returned error",
			"step_id", step.ID,
			"action", step.Action,
			"error", outcome.err)
		return result
	}

	if outcome.result == nil {
		result.Error = fmt.Sprintf("action %s returned no result", step.Action)
		metrics.StepFailures.WithLabelValues(step.Action, "error").Inc()
		return result
	}

	result.Success = outcome.result.Success
	result.Error = outcome.result.Error
	result.Output = outcome.result.Output
	result.Details = outcome.result.Details
	if !result.Success {
		if result.Error == "" {
			result.Error = fmt.Sprintf("action %s reported failure", step.Action)
		}
		metrics.StepFailures.WithLabelValues(step.Action, "failed").Inc()
	}
	return result
}

// formatTimeout renders whole seconds as "Ns" and anything finer as a duration
func formatTimeout(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	return d.String()
}
