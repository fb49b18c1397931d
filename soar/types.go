package soar

import (
	"context"
	"time"
)

// PlaybookStatus represents the lifecycle state of a playbook definition
type PlaybookStatus string

const (
	PlaybookStatusDraft    PlaybookStatus = "draft"
	PlaybookStatusActive   PlaybookStatus = "active"
	PlaybookStatusDisabled PlaybookStatus = "disabled"
	PlaybookStatusArchived PlaybookStatus = "archived"
)

// TriggerType describes what starts a playbook
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerAlert     TriggerType = "alert"
	TriggerIncident  TriggerType = "incident"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
)

// ExecutionStatus represents the state of a playbook execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	// ExecutionStatusPaused is reserved; the engine never enters it.
	ExecutionStatusPaused ExecutionStatus = "paused"
)

// IsTerminal reports whether no further transitions are possible
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

const (
	// DefaultStepTimeoutSeconds applies when a step does not set its own timeout
	DefaultStepTimeoutSeconds = 300
	// DefaultPlaybookTimeoutSeconds is the whole-run budget for new playbooks
	DefaultPlaybookTimeoutSeconds = 3600
	// DefaultMaxRetries is the advisory retry count for new playbooks
	DefaultMaxRetries = 3
)

// Action is a named, parameterized unit of work invoked by a step.
// Implementations must be safe for concurrent use by simultaneous executions.
type Action interface {
	// Name is the registry key steps refer to
	Name() string
	// Description is a human readable summary
	Description() string
	// Execute runs the action. Parameters have already been rendered against
	// the execution context. A returned error is treated as a step failure.
	Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error)
}

// ParamValidator is implemented by actions that can reject parameters
// before they run
type ParamValidator interface {
	ValidateParams(params map[string]interface{}) error
}

// ActionResult is what an action reports back to the engine.
// Output keys are merged into the execution context after a successful step.
// Details, when set, is stored under step_<id>_result; otherwise Output is.
type ActionResult struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error,omitempty"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ConditionMet returns the branching flag produced by the conditional action
func (r *ActionResult) ConditionMet() bool {
	if r == nil || r.Output == nil {
		return false
	}
	met, _ := r.Output["condition_met"].(bool)
	return met
}

// Payload returns the sub-object recorded as step_<id>_result
func (r *ActionResult) Payload() map[string]interface{} {
	if r == nil {
		return map[string]interface{}{}
	}
	if r.Details != nil {
		return r.Details
	}
	if r.Output != nil {
		return r.Output
	}
	return map[string]interface{}{}
}

// Step is one node of a playbook's execution graph
type Step struct {
	ID              string                 `json:"id" yaml:"id" validate:"required,max=128"`
	Name            string                 `json:"name" yaml:"name" validate:"max=256"`
	Action          string                 `json:"action" yaml:"action" validate:"required"`
	Parameters      map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	OnSuccess       string                 `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure       string                 `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	TimeoutSeconds  int                    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0,lte=86400"`
	ContinueOnError bool                   `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// Timeout returns the step's bounded wait, defaulting to five minutes
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultStepTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DisplayName falls back to the step id when no name is set
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Playbook is an immutable automation definition.
// The first element of Steps is the graph entry point.
type Playbook struct {
	ID                string                 `json:"id" yaml:"id" validate:"required"`
	Name              string                 `json:"name" yaml:"name" validate:"required,max=256"`
	Description       string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Status            PlaybookStatus         `json:"status" yaml:"status" validate:"omitempty,oneof=draft active disabled archived"`
	IsEnabled         bool                   `json:"is_enabled" yaml:"is_enabled"`
	TriggerType       TriggerType            `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty" validate:"omitempty,oneof=manual alert incident scheduled webhook"`
	TriggerConditions map[string]interface{} `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	Steps             []Step                 `json:"steps" yaml:"steps" validate:"dive"`
	Variables         map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	TimeoutSeconds    int                    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" validate:"gte=0"`
	MaxRetries        int                    `json:"max_retries,omitempty" yaml:"max_retries,omitempty" validate:"gte=0,lte=10"`
	Version           int                    `json:"version,omitempty" yaml:"version,omitempty"`
	Category          string                 `json:"category,omitempty" yaml:"category,omitempty"`
	Tags              []string               `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedBy         string                 `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	CreatedAt         time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time              `json:"updated_at" yaml:"-"`
}

// ApplyDefaults fills the zero-valued advisory fields of a new playbook
func (p *Playbook) ApplyDefaults() {
	if p.Status == "" {
		p.Status = PlaybookStatusDraft
	}
	if p.TriggerType == "" {
		p.TriggerType = TriggerManual
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultPlaybookTimeoutSeconds
	}
	if p.Version == 0 {
		p.Version = 1
	}
}

// Runnable reports whether the playbook may be started
func (p *Playbook) Runnable() bool {
	return p.IsEnabled && p.Status == PlaybookStatusActive
}

// StepResult is one entry of the execution's audit trail
type StepResult struct {
	StepID     string                 `json:"step_id"`
	StepName   string                 `json:"step_name"`
	Action     string                 `json:"action"`
	StepNumber int                    `json:"step_number"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	ExecutedAt time.Time              `json:"executed_at"`
	DurationMs int64                  `json:"duration_ms"`
}

// ActionResult rebuilds the action-level view used for context merging
func (r *StepResult) ActionResult() *ActionResult {
	return &ActionResult{Success: r.Success, Error: r.Error, Output: r.Output, Details: r.Details}
}

// Execution is the mutable record of one playbook run
type Execution struct {
	ID                string                 `json:"id"`
	PlaybookID        string                 `json:"playbook_id"`
	IncidentID        string                 `json:"incident_id,omitempty"`
	Status            ExecutionStatus        `json:"status"`
	CurrentStep       int                    `json:"current_step"`
	TotalSteps        int                    `json:"total_steps"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	InputData         map[string]interface{} `json:"input_data,omitempty"`
	OutputData        map[string]interface{} `json:"output_data,omitempty"`
	StepResults       []StepResult           `json:"step_results"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ErrorStep         *int                   `json:"error_step,omitempty"`
	TriggeredBy       string                 `json:"triggered_by,omitempty"`
	TriggerSource     string                 `json:"trigger_source,omitempty"`
	Attempt           int                    `json:"attempt"`
	ParentExecutionID string                 `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// NewExecution creates a PENDING execution record for a playbook
func NewExecution(id, playbookID string, input map[string]interface{}) *Execution {
	return &Execution{
		ID:          id,
		PlaybookID:  playbookID,
		Status:      ExecutionStatusPending,
		InputData:   input,
		StepResults: []StepResult{},
		Attempt:     1,
		CreatedAt:   time.Now().UTC(),
	}
}

// Duration returns the wall-clock time of a finished run
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}
