package node

import (
	"fmt"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned by Register when the type name is
	// already taken.
	ErrAlreadyRegistered = fmt.Errorf("node: type already registered")
	// ErrMissingMeta is returned by Register when the constructor's
	// metadata has no Name.
	ErrMissingMeta = fmt.Errorf("node: constructor has no metadata name")
	// ErrNotRegistered is returned by Create/GetMeta when the type name is
	// unknown.
	ErrNotRegistered = fmt.Errorf("node: type not registered")
)

// Constructor builds a Node instance from a free-form config map.
type Constructor func(config map[string]interface{}) Node

// Registry maps type names to constructors. Registration order is
// preserved for List and ListByCategory.
type Registry struct {
	mu    sync.RWMutex
	order []string
	ctors map[string]Constructor
	metas map[string]Metadata
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors: make(map[string]Constructor),
		metas: make(map[string]Metadata),
	}
}

// Register adds a type under meta.Name. Fails with ErrAlreadyRegistered if
// the name is taken, or ErrMissingMeta if meta.Name is empty.
func (r *Registry) Register(meta Metadata, ctor Constructor) error {
	if meta.Name == "" {
		return ErrMissingMeta
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[meta.Name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, meta.Name)
	}
	r.ctors[meta.Name] = ctor
	r.metas[meta.Name] = meta
	r.order = append(r.order, meta.Name)
	return nil
}

// Unregister removes a type name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ctors, name)
	delete(r.metas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Create instantiates a registered type. Fails with ErrNotRegistered if
// name is unknown.
func (r *Registry) Create(name string, config map[string]interface{}) (Node, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return ctor(config), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// List returns registered type names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ListByCategory returns registered type names of the given category, in
// registration order.
func (r *Registry) ListByCategory(cat Category) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		if r.metas[name].Category == cat {
			out = append(out, name)
		}
	}
	return out
}

// GetMeta returns the static metadata for name.
func (r *Registry) GetMeta(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metas[name]
	return m, ok
}

// GetAllMetadata returns every registered type's metadata, keyed by name.
func (r *Registry) GetAllMetadata() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metadata, len(r.metas))
	for k, v := range r.metas {
		out[k] = v
	}
	return out
}

// Clear removes every registered type.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors = make(map[string]Constructor)
	r.metas = make(map[string]Metadata)
	r.order = nil
}
