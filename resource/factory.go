package resource

import (
	"fmt"
	"sync"

	"github.com/c360/radar/errors"
)

// Factory builds a variant instance. Factories must not do I/O; state is
// hydrated lazily through the host.
type Factory func(name string, host Host, typ *Type) Resource

// Factories maps each Kind to its constructor.
type Factories struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewFactories returns an empty factory table.
func NewFactories() *Factories {
	return &Factories{factories: make(map[Kind]Factory)}
}

// Register installs f for kind. Each kind can be registered once.
func (f *Factories) Register(kind Kind, factory Factory) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return errors.Wrap(err, "Factories", "Register", "kind validation")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Factories", "Register", "factory function validation")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.factories[kind]; exists {
		return errors.WrapInvalid(fmt.Errorf("factory for %q is already registered", kind),
			"Factories", "Register", "duplicate factory check")
	}
	f.factories[kind] = factory
	return nil
}

// Kinds lists the registered kinds.
func (f *Factories) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := make([]Kind, 0, len(f.factories))
	for k := range f.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// Create resolves name against types and builds the matching variant. It
// returns false when no type matches or no factory serves the type's kind.
func (f *Factories) Create(types *TypeRegistry, name string, host Host) (Resource, bool) {
	typ, ok := types.Match(name)
	if !ok {
		return nil, false
	}

	f.mu.RLock()
	factory, ok := f.factories[typ.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(name, host, typ), true
}
