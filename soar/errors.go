package soar

import (
	"errors"
	"fmt"
)

var (
	// ErrStepNotFound is returned when an edge points at an unknown step id
	ErrStepNotFound = errors.New("step not found")
	// ErrStepFailed is returned when a failed step has no escape edge
	ErrStepFailed = errors.New("step failed")
	// ErrStepLimitExceeded is returned when a run exceeds 2x its step count
	ErrStepLimitExceeded = errors.New("maximum step executions exceeded")
	// ErrPlaybookTimeout is returned when the whole-run watchdog fires
	ErrPlaybookTimeout = errors.New("playbook timed out")
	// ErrUnknownAction is returned by the registry for unregistered names
	ErrUnknownAction = errors.New("unknown action")
	// ErrDuplicateAction is returned when two actions share a name
	ErrDuplicateAction = errors.New("duplicate action name")
)

// PlaybookError is a fatal, playbook-level failure that terminates a run
type PlaybookError struct {
	PlaybookID string
	StepID     string
	Message    string
	Err        error
}

func (e *PlaybookError) Error() string {
	if e.StepID == "" {
		return e.Message
	}
	return fmt.Sprintf("playbook %s step %s: %s", e.PlaybookID, e.StepID, e.Message)
}

func (e *PlaybookError) Unwrap() error { return e.Err }

func newPlaybookError(playbookID, stepID string, sentinel error, format string, args ...interface{}) *PlaybookError {
	return &PlaybookError{
		PlaybookID: playbookID,
		StepID:     stepID,
		Message:    fmt.Sprintf(format, args...),
		Err:        sentinel,
	}
}
