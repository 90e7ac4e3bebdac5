package kafka

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry holds the named clusters a projector definition can refer to.
type Registry struct {
	mu       sync.RWMutex
	clusters map[string]*ClusterConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clusters: make(map[string]*ClusterConfig),
	}
}

// Register validates cfg and stores it under name, replacing any previous entry.
func (r *Registry) Register(name string, cfg *ClusterConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cluster %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg.Name = name
	r.clusters[name] = cfg
	return nil
}

// Get retrieves a cluster configuration by name.
func (r *Registry) Get(name string) (*ClusterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.clusters[name]
	return cfg, ok
}

// Require is Get with an error naming the known clusters.
func (r *Registry) Require(name string) (*ClusterConfig, error) {
	if cfg, ok := r.Get(name); ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("cluster %q not found in registry (known: %v)", name, r.Names())
}

// Has checks if a cluster exists in the registry.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered cluster names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadFromMap registers every cluster in clusters. All invalid clusters are
// reported; valid ones are registered regardless.
func (r *Registry) LoadFromMap(clusters map[string]ClusterConfig) error {
	var errs []error
	for name, cfg := range clusters {
		if err := r.Register(name, &cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
