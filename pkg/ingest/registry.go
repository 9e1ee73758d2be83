package ingest

import (
	"sync"

	"go.uber.org/zap"

	"github.com/scgo/scpipe/pkg/config"
	"github.com/scgo/scpipe/pkg/errors"
	"github.com/scgo/scpipe/pkg/logger"
)

// Factory is a function that creates reader instances for a format.
type Factory func(cfg *config.IngestConfig) (Reader, error)

// Registry manages reader registration and instantiation
type Registry struct {
	readers map[string]Factory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new reader registry
func NewRegistry() *Registry {
	return &Registry{
		readers: make(map[string]Factory),
		logger:  logger.Get().With(zap.String("component", "ingest_registry")),
	}
}

// Register registers a reader factory under a format name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.readers[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "reader %s already registered", name)
	}

	r.readers[name] = factory
	return nil
}

// Create creates a reader instance for the named format
func (r *Registry) Create(name string, cfg *config.IngestConfig) (Reader, error) {
	r.mu.RLock()
	factory, exists := r.readers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "reader %s not found", name)
	}

	reader, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to create reader %s", name)
	}

	return reader, nil
}

// List returns the registered format names
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.readers))
	for name := range r.readers {
		names = append(names, name)
	}
	return names
}

// Has checks if a format is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.readers[name]
	return exists
}

// Global registry functions

// Register registers a reader factory in the global registry
func Register(name string, factory Factory) error {
	return globalRegistry.Register(name, factory)
}

// Create creates a reader from the global registry
func Create(name string, cfg *config.IngestConfig) (Reader, error) {
	return globalRegistry.Create(name, cfg)
}

// List returns registered formats from the global registry
func List() []string {
	return globalRegistry.List()
}

// Has checks if a format is registered in the global registry
func Has(name string) bool {
	return globalRegistry.Has(name)
}
