package hvg

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
)

// Factory is a function that creates selector instances for a strategy.
type Factory func(cfg *config.HVGConfig) (Selector, error)

// Registry manages selector registration and instantiation
type Registry struct {
	strategies map[string]Factory
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new selector registry
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Factory),
		logger:     logger.Get().With(zap.String("component", "hvg_registry")),
	}
}

// Register registers a selector factory under a strategy name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "selector %s already registered", name)
	}

	r.strategies[name] = factory
	return nil
}

// Create creates a selector instance for the named strategy
func (r *Registry) Create(name string, cfg *config.HVGConfig) (Selector, error) {
	r.mu.RLock()
	factory, exists := r.strategies[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "selector %s not found", name)
	}

	sel, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create selector %s", name)
	}

	return sel, nil
}

// List returns the registered strategy names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// Has checks if a strategy is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.strategies[name]
	return exists
}

// Global registry functions

// Register registers a selector factory in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Create creates a selector from the global registry
func Create(name string, cfg *config.HVGConfig) (Selector, error) {
	return globalRegistry.Create(name, cfg)
}

// List returns registered strategies from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a strategy is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}
