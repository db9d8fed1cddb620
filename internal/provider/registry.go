package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters available to the service. It is constructed
// explicitly and passed into the account manager and engine; there is no
// package-level shared instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its ID. Re-registering an ID replaces the
// previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for providerID.
func (r *Registry) Get(providerID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}
	return a, nil
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
