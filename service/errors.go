package service

import "errors"

var (
	// ErrPlaybookDisabled is returned when a playbook is not enabled and active
	ErrPlaybookDisabled = errors.New("playbook is disabled")

	// ErrExecutionNotPending is returned when starting a record that already ran
	ErrExecutionNotPending = errors.New("execution is not pending")

	// ErrExecutionLocked is returned when another worker holds the run lock
	ErrExecutionLocked = errors.New("execution is locked by another worker")

	// ErrExecutionFinished is returned when cancelling a terminal execution
	ErrExecutionFinished = errors.New("execution already finished")

	// ErrQueueFull is returned by ExecuteAsync when every slot is taken
	ErrQueueFull = errors.New("execution queue is full")
)
