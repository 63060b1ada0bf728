package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters by name and remembers which one new
// payments are created with.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	primary  string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. The first registered adapter becomes primary.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Name()] = a
	if r.primary == "" {
		r.primary = a.Name()
	}
}

// Get returns the adapter a stored payment was created with
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("payment gateway %q not registered", name)
	}
	return a, nil
}

// Primary returns the adapter used for new payments
func (r *Registry) Primary() (Adapter, error) {
	r.mu.RLock()
	primary := r.primary
	r.mu.RUnlock()

	if primary == "" {
		return nil, fmt.Errorf("no payment gateway configured")
	}
	return r.Get(primary)
}

// SetPrimary switches the adapter used for new payments
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("payment gateway %q not registered", name)
	}
	r.primary = name
	return nil
}

// Names lists the registered adapters
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
