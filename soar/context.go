package soar

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"
)

// placeholderPattern matches {{identifier}} tokens
var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ExecutionContext is the key/value scratchpad shared by the steps of one run.
// It is safe for concurrent reads from an action goroutine while the engine
// owns writes.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewExecutionContext creates an empty context
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{values: make(map[string]interface{})}
}

// Seed loads playbook variables as defaults, then layers execution input on
// top so caller-supplied input wins on key collision.
func (c *ExecutionContext) Seed(variables, input map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range variables {
		c.values[k] = v
	}
	for k, v := range input {
		c.values[k] = v
	}
}

// Get returns the value stored under key
func (c *ExecutionContext) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the stringified value under key, or "" when absent
func (c *ExecutionContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// Set stores a value under key
func (c *ExecutionContext) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// ApplyStepResult merges a finished step into the context. Output fields are
// merged only when the step succeeded; step_<id>_result is always written.
func (c *ExecutionContext) ApplyStepResult(stepID string, result *ActionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if result != nil && result.Success {
		for k, v := range result.Output {
			if k == "success" || k == "error" {
				continue
			}
			c.values[k] = v
		}
	}
	c.values[StepResultKey(stepID)] = result.Payload()
}

// Snapshot returns a shallow copy of the current values
func (c *ExecutionContext) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Len returns the number of keys
func (c *ExecutionContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// Substitute renders {{key}} placeholders against the context
func (c *ExecutionContext) Substitute(template string) string {
	return Substitute(template, c.Get)
}

// RenderParameters returns a copy of params with every top-level string value
// rendered through Substitute. Nested values are passed through untouched.
func (c *ExecutionContext) RenderParameters(params map[string]interface{}) map[string]interface{} {
	rendered := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			rendered[k] = c.Substitute(s)
			continue
		}
		rendered[k] = v
	}
	return rendered
}

// StepResultKey is the context key holding a step's payload
func StepResultKey(stepID string) string {
	return "step_" + stepID + "_result"
}

// Substitute replaces each {{identifier}} token with the stringified value
// returned by lookup. Tokens whose key is absent are left verbatim.
func Substitute(template string, lookup func(string) (interface{}, bool)) string {
	if len(template) < 4 {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		v, ok := lookup(key)
		if !ok {
			return token
		}
		return Stringify(v)
	})
}

// Stringify renders a context value the way placeholders and comparisons see it
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case fmt.Stringer:
		return val.String()
	case map[string]interface{}, []interface{}, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
