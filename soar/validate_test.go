package soar

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasMessage(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestValidatePlaybook_Valid(t *testing.T) {
	registry := NewBuiltinRegistry(BuiltinOptions{})
	pb := newPlaybook("ok",
		Step{ID: "enrich", Action: ActionEnrichIP, OnSuccess: "notify"},
		Step{ID: "notify", Action: ActionSendNotification, Parameters: map[string]interface{}{"message": "{{ip}}"}})

	res := ValidatePlaybook(pb, registry)
	assert.True(t, res.Valid(), res.Errors)
	assert.NoError(t, res.Err())
	assert.Empty(t, res.Warnings)
}

func TestValidatePlaybook_Errors(t *testing.T) {
	registry := NewBuiltinRegistry(BuiltinOptions{})
	pb := &Playbook{
		ID:   "bad",
		Name: "",
		Steps: []Step{
			{ID: "a", Action: ActionAssignTo, OnSuccess: "ghost"},
			{ID: "a", Action: "teleport", OnFailure: "nowhere"},
			{ID: "c", Action: ActionCreateTicket, Parameters: map[string]interface{}{"title": "{{t}}"}},
			{ID: "", Action: ""},
		},
	}

	res := ValidatePlaybook(pb, registry)
	require.False(t, res.Valid())
	assert.True(t, hasMessage(res.Errors, `name: failed "required" constraint`), res.Errors)
	assert.True(t, hasMessage(res.Errors, `steps[3].id: failed "required" constraint`), res.Errors)
	assert.True(t, hasMessage(res.Errors, `duplicate step id "a"`))
	assert.True(t, hasMessage(res.Errors, `on_success references unknown step "ghost"`))
	assert.True(t, hasMessage(res.Errors, `on_failure references unknown step "nowhere"`))
	assert.True(t, hasMessage(res.Errors, `unknown action "teleport"`))
	assert.True(t, hasMessage(res.Errors, `step "a": invalid parameters: assignee parameter is required`))
	assert.False(t, hasMessage(res.Errors, `step "c"`), "placeholder parameters are checked at run time")
	assert.ErrorContains(t, res.Err(), "invalid playbook")
}

func TestValidatePlaybook_Warnings(t *testing.T) {
	pb := newPlaybook("warn",
		Step{ID: "a", Action: "x", OnSuccess: "b"},
		Step{ID: "b", Action: "x", OnSuccess: "a", OnFailure: "c", ContinueOnError: true},
		Step{ID: "c", Action: "x"},
		Step{ID: "orphan", Action: "x"})

	res := ValidatePlaybook(pb, nil)
	assert.True(t, res.Valid(), res.Errors)
	assert.True(t, hasMessage(res.Warnings, "cycle detected: a -> b -> a (bounded to 8 step executions at run time)"), res.Warnings)
	assert.True(t, hasMessage(res.Warnings, `step "orphan" is unreachable`))
	assert.False(t, hasMessage(res.Warnings, `step "c" is unreachable`))

	empty := ValidatePlaybook(newPlaybook("empty"), nil)
	assert.True(t, empty.Valid())
	assert.Equal(t, []string{"playbook has no steps"}, empty.Warnings)
}

func TestValidatePlaybook_ContinueOnErrorWarningNeedsRegistry(t *testing.T) {
	registry := MustNewRegistry(succeedWith("x", nil))
	pb := newPlaybook("coe",
		Step{ID: "a", Action: "x", OnFailure: "b", ContinueOnError: true},
		Step{ID: "b", Action: "x"})

	res := ValidatePlaybook(pb, registry)
	assert.True(t, hasMessage(res.Warnings, `step "a": on_failure is never taken`), res.Warnings)
}

func TestValidatePlaybook_WaitReachingStepTimeout(t *testing.T) {
	registry := NewBuiltinRegistry(BuiltinOptions{})
	pb := newPlaybook("waits",
		Step{ID: "capped", Action: ActionWait, Parameters: map[string]interface{}{"seconds": 600}, OnSuccess: "short"},
		Step{ID: "short", Action: ActionWait, Parameters: map[string]interface{}{"seconds": 30}, OnSuccess: "tight"},
		Step{ID: "tight", Action: ActionWait, Parameters: map[string]interface{}{"seconds": "10"}, TimeoutSeconds: 10, OnSuccess: "dynamic"},
		Step{ID: "dynamic", Action: ActionWait, Parameters: map[string]interface{}{"seconds": "{{delay}}"}})

	res := ValidatePlaybook(pb, registry)
	assert.True(t, res.Valid(), res.Errors)
	assert.True(t, hasMessage(res.Warnings, `step "capped": wait of 5m0s reaches the step timeout of 5m0s`), res.Warnings)
	assert.True(t, hasMessage(res.Warnings, `step "tight": wait of 10s reaches the step timeout of 10s`), res.Warnings)
	assert.False(t, hasMessage(res.Warnings, `step "short"`))
	assert.False(t, hasMessage(res.Warnings, `step "dynamic"`))
}

func TestValidatePlaybook_Nil(t *testing.T) {
	assert.False(t, ValidatePlaybook(nil, nil).Valid())
}

func TestDetectCycles(t *testing.T) {
	acyclic := newPlaybook("dag",
		Step{ID: "a", OnSuccess: "b", OnFailure: "c"},
		Step{ID: "b", OnSuccess: "c"},
		Step{ID: "c"})
	assert.Empty(t, DetectCycles(acyclic))

	self := newPlaybook("self", Step{ID: "retry", OnFailure: "retry"})
	assert.Equal(t, [][]string{{"retry", "retry"}}, DetectCycles(self))

	loop := newPlaybook("loop",
		Step{ID: "a", OnSuccess: "b"},
		Step{ID: "b", OnSuccess: "c"},
		Step{ID: "c", OnSuccess: "a"})
	assert.Equal(t, [][]string{{"a", "b", "c", "a"}}, DetectCycles(loop))
}
