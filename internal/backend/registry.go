package backend

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"rtcguard/internal/rtcerr"
)

// Registry maps provider names to backend factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.Named("registry"),
	}
}

// Register adds a factory under the given provider name. Registering a name
// twice is a configuration error; unregister first to replace.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return rtcerr.Configuration("provider name must not be empty")
	}
	if factory == nil {
		return rtcerr.Configurationf("provider %q: factory must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return rtcerr.Configurationf("provider %q already registered", name)
	}

	r.factories[name] = factory
	r.logger.Debug("Registered provider factory", zap.String("provider", name))
	return nil
}

// Unregister removes a factory. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		delete(r.factories, name)
		r.logger.Debug("Unregistered provider factory", zap.String("provider", name))
	}
}

// Create instantiates a backend for the named provider.
func (r *Registry) Create(name string, logger *zap.Logger) (Backend, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, rtcerr.ProviderNotAvailable(name, "not registered")
	}

	return factory(logger)
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[name]
	return exists
}

// Names returns the registered provider names, sorted.
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
