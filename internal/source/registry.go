package source

import (
	"fmt"
	"sort"
	"sync"

	"orthotiles/internal/common"
)

// Registry holds the configured providers keyed by source id
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a registry from the given providers
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in providers
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(Linz(""))
	return r
}

// Register validates and adds a provider, replacing any with the same id
func (r *Registry) Register(p Provider) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.SourceID] = p
	return nil
}

// Lookup returns the provider for a source id
func (r *Registry) Lookup(sourceID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[sourceID]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %s", common.ErrUnknownSource, sourceID)
	}
	return p, nil
}

// All returns every provider ordered by source id
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SourceID < result[j].SourceID })
	return result
}
