package soar

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Built-in action names
const (
	ActionEnrichIP         = "enrich_ip"
	ActionEnrichDomain     = "enrich_domain"
	ActionEnrichHash       = "enrich_hash"
	ActionEnrichIOC        = "enrich_ioc"
	ActionSendNotification = "send_notification"
	ActionSendEmail        = "send_email"
	ActionSendSlack        = "send_slack"
	ActionUpdateAlert      = "update_alert"
	ActionUpdateIncident   = "update_incident"
	ActionCreateIncident   = "create_incident"
	ActionCreateTicket     = "create_ticket"
	ActionAddComment       = "add_comment"
	ActionAssignTo         = "assign_to"
	ActionBlockIP          = "block_ip"
	ActionIsolateHost      = "isolate_host"
	ActionDisableUser      = "disable_user"
	ActionRunScript        = "run_script"
	ActionHTTPRequest      = "http_request"
	ActionConditional      = "conditional"
	ActionWait             = "wait"
)

// MaxWaitSeconds caps the wait action regardless of what a playbook asks for
const MaxWaitSeconds = 300

// Notification is a rendered message handed to a NotificationSender
type Notification struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message"`
}

// NotificationSender delivers notifications to an external channel
type NotificationSender interface {
	Send(ctx context.Context, n *Notification) error
}

// CaseManager persists alert and incident changes made by playbooks
type CaseManager interface {
	UpdateAlert(ctx context.Context, alertID string, updates map[string]interface{}) error
	UpdateIncident(ctx context.Context, incidentID string, updates map[string]interface{}) error
	CreateIncident(ctx context.Context, fields map[string]interface{}) (string, error)
}

func failed(format string, args ...interface{}) *ActionResult {
	return &ActionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func succeeded(output, details map[string]interface{}) *ActionResult {
	return &ActionResult{Success: true, Output: output, Details: details}
}

// stringParam returns params[key] when it is a non-empty string
func stringParam(params map[string]interface{}, key string) string {
	if v, ok := params[key]; ok && v != nil {
		return strings.TrimSpace(Stringify(v))
	}
	return ""
}

// stringParamOrContext falls back to a context key when the parameter is absent
func stringParamOrContext(params map[string]interface{}, key string, execCtx *ExecutionContext, ctxKey string) string {
	if v := stringParam(params, key); v != "" {
		return v
	}
	if execCtx == nil {
		return ""
	}
	return strings.TrimSpace(execCtx.GetString(ctxKey))
}

func stringListParam(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, Stringify(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// toFloat converts numeric values and numeric strings
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// NotifyAction renders and sends a notification. The same implementation
// backs send_notification, send_email and send_slack.
type NotifyAction struct {
	name           string
	defaultChannel string
	sender         NotificationSender
	logger         *zap.SugaredLogger
}

// NewNotifyAction creates a notification action registered under name
func NewNotifyAction(name, defaultChannel string, sender NotificationSender, logger *zap.SugaredLogger) *NotifyAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NotifyAction{name: name, defaultChannel: defaultChannel, sender: sender, logger: logger}
}

func (a *NotifyAction) Name() string { return a.name }
func (a *NotifyAction) Description() string {
	if a.defaultChannel == "" {
		return "Sends a notification with {{variable}} substitution"
	}
	return fmt.Sprintf("Sends a %s notification with {{variable}} substitution", a.defaultChannel)
}

func (a *NotifyAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	channel := stringParam(params, "channel")
	if channel == "" {
		channel = a.defaultChannel
	}

	recipients := stringListParam(params, "recipients")
	if len(recipients) == 0 {
		recipients = stringListParam(params, "to")
	}

	subject := execCtx.Substitute(stringParam(params, "subject"))
	if subject == "" {
		subject = "Aegis Notification"
	}
	body := execCtx.Substitute(stringParam(params, "body"))
	message := execCtx.Substitute(stringParam(params, "message"))
	if message == "" {
		message = body
	}

	n := &Notification{Channel: channel, Recipients: recipients, Subject: subject, Message: message}
	delivered := false
	if a.sender != nil {
		if err := a.sender.Send(ctx, n); err != nil {
			return failed("failed to send %s notification: %v", channel, err), nil
		}
		delivered = true
	} else {
		a.logger.Infow("Notification rendered (no sender configured)",
			"channel", channel,
			"recipients", recipients,
			"subject", subject)
	}

	rendered := map[string]interface{}{
		"channel":    channel,
		"recipients": recipients,
		"subject":    subject,
		"body":       body,
		"message":    message,
		"delivered":  delivered,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	}
	return succeeded(rendered, rendered), nil
}

// UpdateRecordAction updates an alert or incident. The target id comes from
// parameters or the execution context.
type UpdateRecordAction struct {
	name          string
	idKey         string
	allowedFields []string
	cases         CaseManager
	logger        *zap.SugaredLogger
}

// NewUpdateAlertAction creates the update_alert action
func NewUpdateAlertAction(cases CaseManager, logger *zap.SugaredLogger) *UpdateRecordAction {
	return newUpdateRecordAction(ActionUpdateAlert, "alert_id",
		[]string{"status", "severity", "assigned_to", "resolution_notes"}, cases, logger)
}

// NewUpdateIncidentAction creates the update_incident action
func NewUpdateIncidentAction(cases CaseManager, logger *zap.SugaredLogger) *UpdateRecordAction {
	return newUpdateRecordAction(ActionUpdateIncident, "incident_id",
		[]string{"status", "severity", "assigned_to", "resolution_notes", "summary", "priority"}, cases, logger)
}

func newUpdateRecordAction(name, idKey string, fields []string, cases CaseManager, logger *zap.SugaredLogger) *UpdateRecordAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UpdateRecordAction{name: name, idKey: idKey, allowedFields: fields, cases: cases, logger: logger}
}

func (a *UpdateRecordAction) Name() string { return a.name }
func (a *UpdateRecordAction) Description() string {
	return fmt.Sprintf("Updates fields of the record identified by %s", a.idKey)
}

func (a *UpdateRecordAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	id := stringParamOrContext(params, a.idKey, execCtx, a.idKey)
	if id == "" {
		return failed("no %s provided", a.idKey), nil
	}

	updates := make(map[string]interface{})
	if extra, ok := params["updates"].(map[string]interface{}); ok {
		for k, v := range extra {
			updates[k] = v
		}
	}
	for _, field := range a.allowedFields {
		if v, ok := params[field]; ok {
			updates[field] = v
		}
	}

	if a.cases != nil {
		var err error
		if a.name == ActionUpdateIncident {
			err = a.cases.UpdateIncident(ctx, id, updates)
		} else {
			err = a.cases.UpdateAlert(ctx, id, updates)
		}
		if err != nil {
			return failed("failed to update %s: %v", id, err), nil
		}
	}

	a.logger.Infow("Record updated by playbook",
		"action", a.name,
		a.idKey, id,
		"fields", len(updates))

	return succeeded(
		map[string]interface{}{a.idKey: id, "updates": updates},
		map[string]interface{}{a.idKey: id, "updates": updates},
	), nil
}

// CreateIncidentAction escalates an alert into a new incident
type CreateIncidentAction struct {
	cases  CaseManager
	logger *zap.SugaredLogger
}

// NewCreateIncidentAction creates the create_incident action
func NewCreateIncidentAction(cases CaseManager, logger *zap.SugaredLogger) *CreateIncidentAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CreateIncidentAction{cases: cases, logger: logger}
}

func (a *CreateIncidentAction) Name() string { return ActionCreateIncident }
func (a *CreateIncidentAction) Description() string {
	return "Creates an incident from the alert in context"
}

func (a *CreateIncidentAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	alertID := stringParamOrContext(params, "alert_id", execCtx, "alert_id")
	if alertID == "" {
		return failed("no alert_id provided"), nil
	}

	title := stringParamOrContext(params, "title", execCtx, "alert_title")
	if title == "" {
		title = "New Incident"
	}
	severity := stringParamOrContext(params, "severity", execCtx, "severity")
	if severity == "" {
		severity = "medium"
	}

	fields := map[string]interface{}{
		"alert_id":    alertID,
		"title":       title,
		"severity":    severity,
		"description": stringParam(params, "description"),
	}

	incidentID := "INC-" + uuid.NewString()
	if a.cases != nil {
		id, err := a.cases.CreateIncident(ctx, fields)
		if err != nil {
			return failed("failed to create incident: %v", err), nil
		}
		incidentID = id
	}

	a.logger.Infow("Incident created by playbook",
		"incident_id", incidentID,
		"alert_id", alertID,
		"severity", severity)

	output := map[string]interface{}{
		"incident_created": true,
		"incident_id":      incidentID,
		"alert_id":         alertID,
		"title":            title,
		"severity":         severity,
	}
	return succeeded(output, nil), nil
}

// CreateTicketAction opens a ticket in an external tracker (simulated)
type CreateTicketAction struct {
	logger *zap.SugaredLogger
}

// NewCreateTicketAction creates the create_ticket action
func NewCreateTicketAction(logger *zap.SugaredLogger) *CreateTicketAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CreateTicketAction{logger: logger}
}

func (a *CreateTicketAction) Name() string { return ActionCreateTicket }
func (a *CreateTicketAction) Description() string {
	return "Creates a ticket in an external ticketing system (Jira, ServiceNow, etc.)"
}

func (a *CreateTicketAction) ValidateParams(params map[string]interface{}) error {
	if stringParam(params, "title") == "" {
		return fmt.Errorf("title parameter is required")
	}
	return nil
}

func (a *CreateTicketAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	system := stringParam(params, "system")
	if system == "" {
		system = "jira"
	}
	priority := stringParam(params, "priority")
	if priority == "" {
		priority = "high"
	}
	title := execCtx.Substitute(stringParam(params, "title"))
	description := execCtx.Substitute(stringParam(params, "description"))

	ticketID := fmt.Sprintf("TICKET-%s", strings.ToUpper(uuid.NewString()[:8]))
	a.logger.Infof("SIMULATION: Would create %s ticket '%s'", system, title)

	details := map[string]interface{}{
		"system":      system,
		"title":       title,
		"description": description,
		"priority":    priority,
		"ticket_id":   ticketID,
		"simulated":   true,
	}
	return succeeded(map[string]interface{}{"ticket_id": ticketID, "ticket_system": system}, details), nil
}

// AddCommentAction appends a rendered comment to an alert or incident
type AddCommentAction struct {
	logger *zap.SugaredLogger
}

// NewAddCommentAction creates the add_comment action
func NewAddCommentAction(logger *zap.SugaredLogger) *AddCommentAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AddCommentAction{logger: logger}
}

func (a *AddCommentAction) Name() string        { return ActionAddComment }
func (a *AddCommentAction) Description() string { return "Adds a comment to an alert or incident" }

func (a *AddCommentAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	targetType := stringParam(params, "target_type")
	if targetType == "" {
		targetType = "incident"
	}
	targetID := stringParamOrContext(params, "target_id", execCtx, targetType+"_id")
	if targetID == "" {
		return failed("no target_id provided for %s comment", targetType), nil
	}
	comment := execCtx.Substitute(stringParam(params, "comment"))
	if comment == "" {
		return failed("comment is empty"), nil
	}

	a.logger.Infow("Comment added by playbook", "target_type", targetType, "target_id", targetID)
	return succeeded(nil, map[string]interface{}{
		"target_type": targetType,
		"target_id":   targetID,
		"comment":     comment,
	}), nil
}

// AssignToAction assigns an alert or incident to an analyst
type AssignToAction struct {
	logger *zap.SugaredLogger
}

// NewAssignToAction creates the assign_to action
func NewAssignToAction(logger *zap.SugaredLogger) *AssignToAction {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AssignToAction{logger: logger}
}

func (a *AssignToAction) Name() string        { return ActionAssignTo }
func (a *AssignToAction) Description() string { return "Assigns an alert or incident to a user" }

func (a *AssignToAction) ValidateParams(params map[string]interface{}) error {
	if stringParam(params, "assignee") == "" {
		return fmt.Errorf("assignee parameter is required")
	}
	return nil
}

func (a *AssignToAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	targetType := stringParam(params, "target_type")
	if targetType == "" {
		targetType = "incident"
	}
	targetID := stringParamOrContext(params, "target_id", execCtx, targetType+"_id")
	assignee := stringParam(params, "assignee")

	a.logger.Infow("Assignment made by playbook", "target_type", targetType, "target_id", targetID, "assignee", assignee)
	return succeeded(
		map[string]interface{}{"assigned_to": assignee},
		map[string]interface{}{"target_type": targetType, "target_id": targetID, "assignee": assignee},
	), nil
}

// WaitAction pauses the run for min(seconds, MaxWaitSeconds). The sleep is
// still bounded by the step timeout, which defaults to the same five minutes,
// so a wait that reaches it fails as timed out.
type WaitAction struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWaitAction creates the wait action
func NewWaitAction() *WaitAction { return &WaitAction{sleep: sleepContext} }

// sleepContext blocks for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *WaitAction) Name() string        { return ActionWait }
func (a *WaitAction) Description() string { return "Pauses execution for up to five minutes" }

func (a *WaitAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	requested := 0.0
	if v, ok := params["seconds"]; ok {
		f, ok := toFloat(v)
		if !ok {
			return failed("seconds must be numeric, got %v", v), nil
		}
		requested = f
	}
	waitFor := requested
	if waitFor < 0 {
		waitFor = 0
	}
	if waitFor > MaxWaitSeconds {
		waitFor = MaxWaitSeconds
	}

	reason := stringParam(params, "reason")
	if reason == "" {
		reason = "Scheduled wait"
	}

	if waitFor > 0 {
		sleep := a.sleep
		if sleep == nil {
			sleep = sleepContext
		}
		if err := sleep(ctx, time.Duration(waitFor*float64(time.Second))); err != nil {
			return nil, err
		}
	}

	return succeeded(nil, map[string]interface{}{
		"waited_seconds":    waitFor,
		"requested_seconds": requested,
		"reason":            reason,
	}), nil
}
