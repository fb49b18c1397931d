package soar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Condition operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpExists      = "exists"
	OpNotExists   = "not_exists"
	OpMatches     = "matches"
)

// regexMatchTimeout bounds a single `matches` evaluation
const regexMatchTimeout = 100 * time.Millisecond

var supportedOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpGreaterThan: true,
	OpLessThan: true, OpExists: true, OpNotExists: true, OpMatches: true,
}

// ConditionalAction evaluates field/operator/value against the context. It
// succeeds whenever its inputs are well formed and reports the outcome in
// condition_met; the engine branches on that flag.
type ConditionalAction struct{}

// NewConditionalAction creates the conditional action
func NewConditionalAction() *ConditionalAction { return &ConditionalAction{} }

func (a *ConditionalAction) Name() string { return ActionConditional }
func (a *ConditionalAction) Description() string {
	return "Evaluates a condition on the execution context for branching"
}

func (a *ConditionalAction) ValidateParams(params map[string]interface{}) error {
	if stringParam(params, "field") == "" {
		return fmt.Errorf("field parameter is required")
	}
	op := stringParam(params, "operator")
	if op != "" && !supportedOperators[op] {
		return fmt.Errorf("unsupported operator: %s", op)
	}
	return nil
}

func (a *ConditionalAction) Execute(ctx context.Context, params map[string]interface{}, execCtx *ExecutionContext) (*ActionResult, error) {
	field := stringParam(params, "field")
	if field == "" {
		return failed("no field specified for condition"), nil
	}
	operator := stringParam(params, "operator")
	if operator == "" {
		operator = OpEquals
	}
	expected := params["value"]

	actual, present := execCtx.Get(field)
	met, err := EvaluateCondition(operator, actual, present, expected)
	if err != nil {
		return failed("condition on %s: %v", field, err), nil
	}

	details := map[string]interface{}{
		"field":    field,
		"operator": operator,
		"expected": expected,
		"actual":   actual,
		"result":   met,
	}
	return &ActionResult{
		Success: true,
		Output:  map[string]interface{}{"condition_met": met},
		Details: details,
	}, nil
}

// EvaluateCondition applies operator to a context value. present reports
// whether the field exists in the context at all.
func EvaluateCondition(operator string, actual interface{}, present bool, expected interface{}) (bool, error) {
	switch operator {
	case OpExists:
		return present && actual != nil, nil
	case OpNotExists:
		return !present || actual == nil, nil
	case OpEquals:
		return present && Stringify(actual) == Stringify(expected), nil
	case OpNotEquals:
		return !present || Stringify(actual) != Stringify(expected), nil
	case OpContains:
		if !present || actual == nil {
			return false, nil
		}
		return contains(actual, Stringify(expected)), nil
	case OpGreaterThan, OpLessThan:
		// An absent or empty field is unmet, not malformed
		if !present || actual == nil || Stringify(actual) == "" {
			return false, nil
		}
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("operator %s requires a numeric field value, got %q", operator, Stringify(actual))
		}
		b, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("operator %s requires a numeric comparison value, got %q", operator, Stringify(expected))
		}
		if operator == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	case OpMatches:
		if !present || actual == nil {
			return false, nil
		}
		re, err := regexp2.Compile(Stringify(expected), regexp2.None)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		re.MatchTimeout = regexMatchTimeout
		matched, err := re.MatchString(Stringify(actual))
		if err != nil {
			return false, fmt.Errorf("pattern evaluation failed: %w", err)
		}
		return matched, nil
	default:
		return false, fmt.Errorf("unsupported operator: %s", operator)
	}
}

// contains checks list membership for slices and substring otherwise
func contains(actual interface{}, needle string) bool {
	switch v := actual.(type) {
	case []interface{}:
		for _, item := range v {
			if Stringify(item) == needle {
				return true
			}
		}
		return false
	case []string:
		for _, item := range v {
			if item == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(Stringify(actual), needle)
}
