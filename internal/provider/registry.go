package provider

import (
	"fmt"
	"sync"

	"github.com/tullo/simulcast/internal/models"
)

// Registry selects an adapter by provider type. It is the only place that
// branches on the provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ProviderType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ProviderType]Adapter)}
}

func (r *Registry) Register(p models.ProviderType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[p] = a
}

func (r *Registry) Get(p models.ProviderType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, p)
	}
	return a, nil
}

// OAuth returns the adapter for p if it supports the authorization code flow.
func (r *Registry) OAuth(p models.ProviderType) (OAuthProvider, error) {
	a, err := r.Get(p)
	if err != nil {
		return nil, err
	}
	o, ok := a.(OAuthProvider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOAuthNotSupported, p)
	}
	return o, nil
}

func (r *Registry) Providers() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProviderType, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
