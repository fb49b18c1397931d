package soar

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditLogger records execution and step outcomes for later review
type AuditLogger interface {
	Log(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a single audit trail entry
type AuditEvent struct {
	EventType    string    `json:"event_type"` // execution_started, step_executed, execution_finished
	PlaybookID   string    `json:"playbook_id"`
	ExecutionID  string    `json:"execution_id"`
	StepID       string    `json:"step_id,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	Action       string    `json:"action,omitempty"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
	Result       string    `json:"result"` // success, failure, running, cancelled
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// NoOpAuditLogger discards all audit events
type NoOpAuditLogger struct{}

// Log discards the audit event
func (n *NoOpAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	return nil
}

// ZapAuditLogger writes audit events as structured log lines
type ZapAuditLogger struct {
	logger *zap.SugaredLogger
}

// NewZapAuditLogger creates an audit logger on top of zap
func NewZapAuditLogger(logger *zap.SugaredLogger) *ZapAuditLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ZapAuditLogger{logger: logger.Named("audit")}
}

// Log emits the event at info level
func (z *ZapAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	z.logger.Infow("SOAR audit",
		"event_type", event.EventType,
		"playbook_id", event.PlaybookID,
		"execution_id", event.ExecutionID,
		"step_id", event.StepID,
		"action", event.Action,
		"triggered_by", event.TriggeredBy,
		"result", event.Result,
		"error", event.ErrorMessage,
		"duration_ms", event.DurationMs)
	return nil
}
