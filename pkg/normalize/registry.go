package normalize

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
)

// Factory is a function that creates normalizer instances for a strategy.
type Factory func(cfg *config.NormalizeConfig) (Normalizer, error)

// Registry manages normalizer registration and instantiation
type Registry struct {
	strategies map[string]Factory
	mu         sync.RWMutex
	logger     *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new normalizer registry
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Factory),
		logger:     logger.Get().With(zap.String("component", "normalize_registry")),
	}
}

// Register registers a normalizer factory under a strategy name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "normalizer %s already registered", name)
	}

	r.strategies[name] = factory
	return nil
}

// Create creates a normalizer instance for the named strategy
func (r *Registry) Create(name string, cfg *config.NormalizeConfig) (Normalizer, error) {
	r.mu.RLock()
	factory, exists := r.strategies[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "normalizer %s not found", name)
	}

	norm, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create normalizer %s", name)
	}

	return norm, nil
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

// Register registers a normalizer factory in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Create creates a normalizer from the global registry
func Create(name string, cfg *config.NormalizeConfig) (Normalizer, error) {
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
