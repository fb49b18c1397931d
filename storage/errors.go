package storage

import "errors"

// Storage error constants
var (
	// ErrPlaybookNotFound is returned when a playbook is not found
	ErrPlaybookNotFound = errors.New("playbook not found")

	// ErrPlaybookExists is returned when a playbook id is already taken
	ErrPlaybookExists = errors.New("playbook already exists")

	// ErrPlaybookNameExists is returned when a playbook with the same name already exists
	ErrPlaybookNameExists = errors.New("playbook with this name already exists")

	// ErrExecutionNotFound is returned when an execution record is not found
	ErrExecutionNotFound = errors.New("playbook execution not found")

	// ErrExecutionNotClaimable is returned when a claim targets a record that is no longer pending
	ErrExecutionNotClaimable = errors.New("playbook execution is not pending")
)
