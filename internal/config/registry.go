package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructor functions for one kind of
// component, e.g. chat providers or responders. It is safe for concurrent
// use.
type Registry[T any] struct {
	kind string

	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

// NewRegistry returns an empty registry. kind appears in error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]func(ProviderEntry) (T, error)),
	}
}

// Register adds a factory under name. Subsequent calls with the same name
// overwrite the previous registration.
func (r *Registry[T]) Register(name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the component named by entry.Name.
func (r *Registry[T]) Create(entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %q", ErrProviderNotRegistered, r.kind, entry.Name)
	}
	v, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s %q: %w", r.kind, entry.Name, err)
	}
	return v, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
