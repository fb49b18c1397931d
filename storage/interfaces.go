package storage

import (
	"context"

	"aegis/soar"
)

// PlaybookStorage persists playbook definitions
type PlaybookStorage interface {
	CreatePlaybook(ctx context.Context, pb *soar.Playbook) error
	GetPlaybook(ctx context.Context, id string) (*soar.Playbook, error)
	UpdatePlaybook(ctx context.Context, pb *soar.Playbook) error
	DeletePlaybook(ctx context.Context, id string) error
	ListPlaybooks(ctx context.Context, filter PlaybookFilter) ([]*soar.Playbook, error)
}

// PlaybookFilter narrows ListPlaybooks. Zero values match everything.
type PlaybookFilter struct {
	Status      soar.PlaybookStatus
	EnabledOnly bool
	Limit       int
	Offset      int
}

// ExecutionStorage persists execution records
type ExecutionStorage interface {
	CreateExecution(ctx context.Context, exec *soar.Execution) error
	GetExecution(ctx context.Context, id string) (*soar.Execution, error)
	SaveExecution(ctx context.Context, exec *soar.Execution) error
	ClaimExecution(ctx context.Context, id string) error
	CancelPendingExecution(ctx context.Context, id string) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*soar.Execution, int64, error)
	GetPendingExecutions(ctx context.Context, limit int) ([]*soar.Execution, error)
	GetRunningExecutions(ctx context.Context) ([]*soar.Execution, error)
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	PlaybookID string
	Status     soar.ExecutionStatus
	Limit      int
	Offset     int
}
