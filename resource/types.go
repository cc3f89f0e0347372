package resource

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/c360/radar/errors"
)

// TypeRegistry resolves resource names to types. Types are tried in
// registration order and the first match wins.
type TypeRegistry struct {
	mu    sync.RWMutex
	types []*Type
}

// NewTypeRegistry returns a registry holding types, in order.
func NewTypeRegistry(types ...*Type) (*TypeRegistry, error) {
	r := &TypeRegistry{}
	for _, t := range types {
		if err := r.Add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultTypes are the prefixes radar clients use out of the box.
func DefaultTypes() []*Type {
	return []*Type{
		{Name: "presence", Kind: KindPresence, Expression: regexp.MustCompile(`^presence:/`)},
		{Name: "status", Kind: KindStatus, Expression: regexp.MustCompile(`^status:/`)},
		{Name: "message", Kind: KindMessageList, Expression: regexp.MustCompile(`^message:/`)},
	}
}

// Add appends t after every type already registered.
func (r *TypeRegistry) Add(t *Type) error {
	if t == nil || t.Expression == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TypeRegistry", "Add", "type expression validation")
	}
	if _, err := ParseKind(string(t.Kind)); err != nil {
		return errors.Wrap(err, "TypeRegistry", "Add", fmt.Sprintf("type %q kind validation", t.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	return nil
}

// Match returns the first type whose expression matches name.
func (r *TypeRegistry) Match(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.types {
		if t.Matches(name) {
			return t, true
		}
	}
	return nil, false
}

// Types returns the registered types in match order.
func (r *TypeRegistry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Type(nil), r.types...)
}
