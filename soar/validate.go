package soar

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationResult lists problems found in a playbook definition. Errors
// make the playbook unusable; warnings are advisory.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Valid reports whether no errors were found
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Err joins the errors, or returns nil when valid
func (r *ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("invalid playbook: %s", strings.Join(r.Errors, "; "))
}

func (r *ValidationResult) errorf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ValidatePlaybook checks struct constraints, unique step ids, dangling
// edges and, when a registry is given, action names and static parameters.
// Cycles are reported as warnings: the engine bounds them at run time.
func ValidatePlaybook(pb *Playbook, registry *Registry) *ValidationResult {
	res := &ValidationResult{Errors: []string{}, Warnings: []string{}}
	if pb == nil {
		res.errorf("playbook is nil")
		return res
	}

	if err := structValidator.Struct(pb); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				res.errorf("%s: failed %q constraint", strings.TrimPrefix(fe.Namespace(), "Playbook."), fe.Tag())
			}
		} else {
			res.errorf("%v", err)
		}
	}

	ids := make(map[string]bool, len(pb.Steps))
	for _, s := range pb.Steps {
		if s.ID == "" {
			continue
		}
		if ids[s.ID] {
			res.errorf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}

	for i := range pb.Steps {
		s := &pb.Steps[i]
		if s.OnSuccess != "" && !ids[s.OnSuccess] {
			res.errorf("step %q: on_success references unknown step %q", s.ID, s.OnSuccess)
		}
		if s.OnFailure != "" && !ids[s.OnFailure] {
			res.errorf("step %q: on_failure references unknown step %q", s.ID, s.OnFailure)
		}
		if registry == nil || s.Action == "" {
			continue
		}
		action, ok := registry.Resolve(s.Action)
		if !ok {
			res.errorf("step %q: unknown action %q", s.ID, s.Action)
			continue
		}
		if v, ok := action.(ParamValidator); ok && !hasPlaceholders(s.Parameters) {
			if err := v.ValidateParams(s.Parameters); err != nil {
				res.errorf("step %q: invalid parameters: %v", s.ID, err)
			}
		}
		if s.Action == ActionWait {
			if d, ok := waitDuration(s.Parameters); ok && d >= s.Timeout() {
				res.warnf("step %q: wait of %s reaches the step timeout of %s and fails as timed out",
					s.ID, d, s.Timeout())
			}
		}
		if s.Action != ActionConditional && s.OnFailure != "" && s.ContinueOnError {
			res.warnf("step %q: on_failure is never taken because continue_on_error is set", s.ID)
		}
	}

	if len(pb.Steps) == 0 {
		res.warnf("playbook has no steps")
	}
	for _, cycle := range DetectCycles(pb) {
		res.warnf("cycle detected: %s (bounded to %d step executions at run time)",
			strings.Join(cycle, " -> "), 2*len(pb.Steps))
	}
	for _, id := range unreachableSteps(pb) {
		res.warnf("step %q is unreachable from the entry step", id)
	}
	return res
}

// waitDuration is the capped sleep a wait step will request, when its seconds
// parameter is a literal number
func waitDuration(params map[string]interface{}) (time.Duration, bool) {
	v, ok := params["seconds"]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	f = math.Min(math.Max(f, 0), MaxWaitSeconds)
	return time.Duration(f * float64(time.Second)), true
}

func hasPlaceholders(params map[string]interface{}) bool {
	for _, v := range params {
		if s, ok := v.(string); ok && placeholderPattern.MatchString(s) {
			return true
		}
	}
	return false
}

func successors(s *Step) []string {
	var out []string
	if s.OnSuccess != "" {
		out = append(out, s.OnSuccess)
	}
	if s.OnFailure != "" && s.OnFailure != s.OnSuccess {
		out = append(out, s.OnFailure)
	}
	return out
}

// DetectCycles returns every elementary cycle reachable through on_success
// and on_failure edges, each as a path that starts and ends on the same step
func DetectCycles(pb *Playbook) [][]string {
	index := make(map[string]*Step, len(pb.Steps))
	for i := range pb.Steps {
		index[pb.Steps[i].ID] = &pb.Steps[i]
	}

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(pb.Steps))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = onStack
		stack = append(stack, id)
		for _, next := range successors(index[id]) {
			if _, ok := index[next]; !ok {
				continue
			}
			switch state[next] {
			case unvisited:
				visit(next)
			case onStack:
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), next)
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	for i := range pb.Steps {
		if state[pb.Steps[i].ID] == unvisited {
			visit(pb.Steps[i].ID)
		}
	}
	return cycles
}

func unreachableSteps(pb *Playbook) []string {
	if len(pb.Steps) == 0 {
		return nil
	}
	index := make(map[string]*Step, len(pb.Steps))
	for i := range pb.Steps {
		index[pb.Steps[i].ID] = &pb.Steps[i]
	}
	seen := map[string]bool{pb.Steps[0].ID: true}
	queue := []string{pb.Steps[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range successors(index[id]) {
			if _, ok := index[next]; ok && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for _, s := range pb.Steps {
		if !seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}
