package detectors

import (
	"fmt"
	"sort"
	"sync"

	"scanbox/internal/pipeline"
)

// Registry manages the available detector backends by name
type Registry struct {
	factories map[string]pipeline.DetectorFactory
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]pipeline.DetectorFactory),
	}
}

// DefaultRegistry returns a registry with every built-in backend
func DefaultRegistry(tryHarder bool) *Registry {
	r := NewRegistry()
	_ = r.Register(ZXingName, ZXingFactory(tryHarder))
	return r
}

// Register adds a detector factory to the registry
func (r *Registry) Register(name string, factory pipeline.DetectorFactory) error {
	if factory == nil {
		return fmt.Errorf("detector factory cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.factories[name] = factory
	return nil
}

// Get returns a detector factory by name
func (r *Registry) Get(name string) (pipeline.DetectorFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Factory returns the factory for name or an error listing the known backends
func (r *Registry) Factory(name string) (pipeline.DetectorFactory, error) {
	if f, ok := r.Get(name); ok {
		return f, nil
	}
	return nil, fmt.Errorf("unknown detector %q (available: %v)", name, r.Names())
}

// Names returns the sorted names of all registered detectors
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a detector from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; !exists {
		return fmt.Errorf("detector %q not found", name)
	}

	delete(r.factories, name)
	return nil
}
