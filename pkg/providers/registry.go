package providers

import (
	"github.com/rs/zerolog"

	"github.com/machinist/machinist/pkg/engine"
)

// Registry resolves provider adapters by type. It implements
// engine.AdapterResolver.
type Registry struct {
	adapters map[engine.ProviderType]engine.Adapter
}

// NewRegistry builds the default registry: DigitalOcean fully wired, the
// remaining providers as stubs so requests against them fail fast with a
// stable code instead of a missing-key panic.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{adapters: make(map[engine.ProviderType]engine.Adapter)}
	r.Register(NewDigitalOcean(logger))
	r.Register(newStub(engine.ProviderAWS))
	r.Register(newStub(engine.ProviderGCP))
	r.Register(newStub(engine.ProviderHetzner))
	r.Register(newStub(engine.ProviderBareMetal))
	return r
}

// Register adds or replaces the adapter for its provider type.
func (r *Registry) Register(a engine.Adapter) {
	r.adapters[a.Type()] = a
}

// Resolve returns the adapter for a provider type.
func (r *Registry) Resolve(provider engine.ProviderType) (engine.Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, engine.NewUnsupportedProviderError(provider)
	}
	return a, nil
}
