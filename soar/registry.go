package soar

import (
	"fmt"
	"sort"
)

// Registry maps action names to implementations. It is immutable once built
// and may be shared by any number of concurrent runs.
type Registry struct {
	actions map[string]Action
}

// NewRegistry builds a registry from the given actions.
// Two actions reporting the same Name are rejected.
func NewRegistry(actions ...Action) (*Registry, error) {
	r := &Registry{actions: make(map[string]Action, len(actions))}
	for _, a := range actions {
		if a == nil {
			continue
		}
		name := a.Name()
		if name == "" {
			return nil, fmt.Errorf("action %T has an empty name", a)
		}
		if _, exists := r.actions[name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAction, name)
		}
		r.actions[name] = a
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for statically known action sets
func MustNewRegistry(actions ...Action) *Registry {
	r, err := NewRegistry(actions...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve looks an action up by name
func (r *Registry) Resolve(name string) (Action, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Names returns the registered action names in sorted order
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name → description for every registered action
func (r *Registry) Describe() map[string]string {
	out := make(map[string]string, len(r.actions))
	for name, a := range r.actions {
		out[name] = a.Description()
	}
	return out
}

// Len returns the number of registered actions
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.actions)
}
