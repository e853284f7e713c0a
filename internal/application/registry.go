package application

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/authlook/internal/config"
)

var (
	// ErrAppNotFound is returned when no factory is registered for a reference.
	ErrAppNotFound = errors.New("application not registered")
	// ErrAppExists is returned when a reference is registered twice.
	ErrAppExists = errors.New("application already registered")
)

// Deps are handed to a Factory when a worker builds its application.
type Deps struct {
	Config config.Config
	Logger *zap.Logger
}

// Factory builds the HTTP handler of a hosted application.
type Factory func(Deps) (http.Handler, error)

// Registry maps module:attribute references to application factories and
// guards access with a RWMutex.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]Factory)}
}

// Register binds ref to factory.
func (r *Registry) Register(ref string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("register %s: nil factory", ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.apps[ref]; ok {
		return fmt.Errorf("register %s: %w", ref, ErrAppExists)
	}
	r.apps[ref] = factory
	return nil
}

// Lookup returns the factory registered for ref.
func (r *Registry) Lookup(ref string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.apps[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrAppNotFound)
	}
	return factory, nil
}

// Refs returns the registered references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.apps))
	for ref := range r.apps {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

var defaultRegistry = NewRegistry()

// Register binds ref to factory in the process-wide registry. Applications
// call it from an init function.
func Register(ref string, factory Factory) error {
	return defaultRegistry.Register(ref, factory)
}

// MustRegister is Register that panics on error.
func MustRegister(ref string, factory Factory) {
	if err := Register(ref, factory); err != nil {
		panic(err)
	}
}

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
