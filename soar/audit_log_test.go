package soar

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingAuditLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (r *recordingAuditLogger) Log(ctx context.Context, event *AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestZapAuditLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	audit := NewZapAuditLogger(zap.New(core).Sugar())

	err := audit.Log(context.Background(), &AuditEvent{
		EventType:   "step_executed",
		PlaybookID:  "pb-1",
		ExecutionID: "exec-1",
		StepID:      "s1",
		Result:      "success",
	})
	assert.NoError(t, err)
	entries := logs.FilterMessage("SOAR audit").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "step_executed", fields["event_type"])
		assert.Equal(t, "pb-1", fields["playbook_id"])
		assert.Equal(t, "success", fields["result"])
		assert.Equal(t, "audit", entries[0].LoggerName)
	}
}

func TestEngine_WritesAuditTrail(t *testing.T) {
	audit := &recordingAuditLogger{}
	engine := NewEngine(EngineConfig{
		Registry:    MustNewRegistry(succeedWith("ok", nil), failWith("bad", "denied")),
		AuditLogger: audit,
	})
	pb := newPlaybook("audited",
		Step{ID: "s1", Action: "ok", OnSuccess: "s2"},
		Step{ID: "s2", Action: "bad"})
	exec := NewExecution("exec-audit", pb.ID, nil)
	exec.TriggeredBy = "analyst"
	engine.Execute(context.Background(), exec, pb)

	var kinds, results []string
	for _, e := range audit.events {
		kinds = append(kinds, e.EventType)
		results = append(results, e.Result)
		assert.Equal(t, "exec-audit", e.ExecutionID)
		assert.Equal(t, "analyst", e.TriggeredBy)
	}
	assert.Equal(t, []string{"execution_started", "step_executed", "step_executed", "execution_finished"}, kinds)
	assert.Equal(t, []string{"running", "success", "failure", "failure"}, results)
	assert.Equal(t, "denied", audit.events[3].ErrorMessage)
}

func TestNoOpAuditLogger(t *testing.T) {
	assert.NoError(t, (&NoOpAuditLogger{}).Log(context.Background(), &AuditEvent{}))
}
