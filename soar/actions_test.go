package soar

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []*Notification
	err  error
}

func (f *fakeSender) Send(ctx context.Context, n *Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

type fakeCases struct {
	alertUpdates    map[string]map[string]interface{}
	incidentUpdates map[string]map[string]interface{}
	created         []map[string]interface{}
	err             error
}

func newFakeCases() *fakeCases {
	return &fakeCases{
		alertUpdates:    map[string]map[string]interface{}{},
		incidentUpdates: map[string]map[string]interface{}{},
	}
}

func (f *fakeCases) UpdateAlert(ctx context.Context, id string, updates map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.alertUpdates[id] = updates
	return nil
}

func (f *fakeCases) UpdateIncident(ctx context.Context, id string, updates map[string]interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.incidentUpdates[id] = updates
	return nil
}

func (f *fakeCases) CreateIncident(ctx context.Context, fields map[string]interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, fields)
	return "INC-42", nil
}

func TestNotifyAction(t *testing.T) {
	execCtx := NewExecutionContext()
	execCtx.Set("source_ip", "203.0.113.9")

	t.Run("delivers rendered message", func(t *testing.T) {
		sender := &fakeSender{}
		action := NewNotifyAction(ActionSendEmail, "email", sender, nil)
		res, err := action.Execute(context.Background(), map[string]interface{}{
			"recipients": []interface{}{"soc@example.com", "ir@example.com"},
			"subject":    "Alert on {{source_ip}}",
			"body":       "Investigate {{source_ip}}",
		}, execCtx)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Len(t, sender.sent, 1)

		n := sender.sent[0]
		assert.Equal(t, "email", n.Channel)
		assert.Equal(t, []string{"soc@example.com", "ir@example.com"}, n.Recipients)
		assert.Equal(t, "Alert on 203.0.113.9", n.Subject)
		assert.Equal(t, "Investigate 203.0.113.9", n.Message, "message falls back to body")
		assert.Equal(t, true, res.Output["delivered"])
	})

	t.Run("comma separated to", func(t *testing.T) {
		sender := &fakeSender{}
		action := NewNotifyAction(ActionSendNotification, "", sender, nil)
		_, err := action.Execute(context.Background(), map[string]interface{}{
			"to": "a@example.com, b@example.com", "message": "hi",
		}, execCtx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a@example.com", "b@example.com"}, sender.sent[0].Recipients)
		assert.Equal(t, "Aegis Notification", sender.sent[0].Subject)
	})

	t.Run("sender failure fails the step", func(t *testing.T) {
		action := NewNotifyAction(ActionSendSlack, "slack", &fakeSender{err: errors.New("webhook 500")}, nil)
		res, err := action.Execute(context.Background(), map[string]interface{}{"message": "x"}, execCtx)
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "webhook 500")
	})

	t.Run("no sender simulates", func(t *testing.T) {
		action := NewNotifyAction(ActionSendSlack, "slack", nil, nil)
		res, err := action.Execute(context.Background(), map[string]interface{}{"message": "x"}, execCtx)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, false, res.Output["delivered"])
		assert.Equal(t, "slack", res.Details["channel"])
	})
}

func TestUpdateRecordActions(t *testing.T) {
	cases := newFakeCases()
	execCtx := NewExecutionContext()
	execCtx.Set("incident_id", "INC-7")

	res, err := NewUpdateAlertAction(cases, nil).Execute(context.Background(), map[string]interface{}{
		"alert_id": "alert-1", "status": "investigating", "ignored": "x",
	}, execCtx)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, map[string]interface{}{"status": "investigating"}, cases.alertUpdates["alert-1"])
	assert.Equal(t, "alert-1", res.Output["alert_id"])

	res, err = NewUpdateIncidentAction(cases, nil).Execute(context.Background(), map[string]interface{}{
		"updates": map[string]interface{}{"summary": "contained"}, "priority": "p1",
	}, execCtx)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, map[string]interface{}{"summary": "contained", "priority": "p1"}, cases.incidentUpdates["INC-7"])

	res, err = NewUpdateAlertAction(cases, nil).Execute(context.Background(), map[string]interface{}{}, NewExecutionContext())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no alert_id provided", res.Error)

	cases.err = errors.New("db down")
	res, err = NewUpdateAlertAction(cases, nil).Execute(context.Background(), map[string]interface{}{"alert_id": "a"}, execCtx)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "db down")
}

func TestCreateIncidentAction(t *testing.T) {
	execCtx := NewExecutionContext()
	execCtx.Set("alert_id", "alert-9")
	execCtx.Set("alert_title", "Brute force")

	t.Run("simulated id", func(t *testing.T) {
		res, err := NewCreateIncidentAction(nil, nil).Execute(context.Background(), map[string]interface{}{}, execCtx)
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.True(t, strings.HasPrefix(res.Output["incident_id"].(string), "INC-"))
		assert.Equal(t, "Brute force", res.Output["title"])
		assert.Equal(t, "medium", res.Output["severity"])
		assert.Equal(t, true, res.Output["incident_created"])
	})

	t.Run("case manager id", func(t *testing.T) {
		cases := newFakeCases()
		res, err := NewCreateIncidentAction(cases, nil).Execute(context.Background(), map[string]interface{}{"severity": "critical"}, execCtx)
		require.NoError(t, err)
		assert.Equal(t, "INC-42", res.Output["incident_id"])
		require.Len(t, cases.created, 1)
		assert.Equal(t, "critical", cases.created[0]["severity"])
	})

	t.Run("alert id required", func(t *testing.T) {
		res, err := NewCreateIncidentAction(nil, nil).Execute(context.Background(), map[string]interface{}{}, NewExecutionContext())
		require.NoError(t, err)
		assert.False(t, res.Success)
	})
}

func TestTicketCommentAssign(t *testing.T) {
	execCtx := NewExecutionContext()
	execCtx.Set("incident_id", "INC-1")
	execCtx.Set("host", "web-01")

	ticket := NewCreateTicketAction(nil)
	assert.Error(t, ticket.ValidateParams(map[string]interface{}{}))
	res, err := ticket.Execute(context.Background(), map[string]interface{}{
		"title":       "Compromise on {{host}}",
		"description": "Incident {{incident_id}}",
	}, execCtx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "jira", res.Output["ticket_system"])
	assert.Equal(t, "Compromise on web-01", res.Details["title"])
	assert.Equal(t, "Incident INC-1", res.Details["description"])
	assert.True(t, strings.HasPrefix(res.Output["ticket_id"].(string), "TICKET-"))

	comment := NewAddCommentAction(nil)
	res, err = comment.Execute(context.Background(), map[string]interface{}{"comment": "Seen on {{host}}"}, execCtx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "INC-1", res.Details["target_id"])
	assert.Equal(t, "Seen on web-01", res.Details["comment"])

	res, err = comment.Execute(context.Background(), map[string]interface{}{"target_type": "alert"}, execCtx)
	require.NoError(t, err)
	assert.False(t, res.Success)

	assign := NewAssignToAction(nil)
	assert.Error(t, assign.ValidateParams(map[string]interface{}{}))
	res, err = assign.Execute(context.Background(), map[string]interface{}{"assignee": "analyst1"}, execCtx)
	require.NoError(t, err)
	assert.Equal(t, "analyst1", res.Output["assigned_to"])
}

func TestWaitAction(t *testing.T) {
	action := NewWaitAction()

	res, err := action.Execute(context.Background(), map[string]interface{}{"seconds": -5}, NewExecutionContext())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.0, res.Details["waited_seconds"])

	res, err = action.Execute(context.Background(), map[string]interface{}{"seconds": "soon"}, NewExecutionContext())
	require.NoError(t, err)
	assert.False(t, res.Success)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = action.Execute(ctx, map[string]interface{}{"seconds": 600}, NewExecutionContext())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	res, err = action.Execute(context.Background(), map[string]interface{}{"seconds": 0.05}, NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, 0.05, res.Details["waited_seconds"])
}

func TestWaitAction_CapsAtMaxWait(t *testing.T) {
	var slept []time.Duration
	action := &WaitAction{sleep: func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}}

	res, err := action.Execute(context.Background(), map[string]interface{}{"seconds": 600}, NewExecutionContext())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 300.0, res.Details["waited_seconds"])
	assert.Equal(t, 600.0, res.Details["requested_seconds"])

	res, err = action.Execute(context.Background(), map[string]interface{}{"seconds": "120"}, NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, 120.0, res.Details["waited_seconds"])

	assert.Equal(t, []time.Duration{300 * time.Second, 120 * time.Second}, slept)
}

func TestBuiltinRegistry(t *testing.T) {
	registry := NewBuiltinRegistry(BuiltinOptions{})
	assert.Equal(t, 20, registry.Len())
	for _, name := range []string{
		ActionEnrichIP, ActionEnrichDomain, ActionEnrichHash, ActionEnrichIOC,
		ActionSendNotification, ActionSendEmail, ActionSendSlack,
		ActionUpdateAlert, ActionUpdateIncident, ActionCreateIncident,
		ActionCreateTicket, ActionAddComment, ActionAssignTo,
		ActionBlockIP, ActionIsolateHost, ActionDisableUser,
		ActionRunScript, ActionHTTPRequest, ActionConditional, ActionWait,
	} {
		assert.True(t, registry.Has(name), name)
	}
	for name, desc := range registry.Describe() {
		assert.NotEmpty(t, desc, name)
	}
}
