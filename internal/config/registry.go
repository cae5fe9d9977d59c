package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/provider/s2s"
	"github.com/MrWong99/voxlink/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voxlink/pkg/provider/s2s/openai"
)

// ErrEngineNotRegistered is returned by [Registry.CreateDialect] when no
// factory has been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// DialectFactory builds a dialect from the engine block.
type DialectFactory func(EngineConfig) (s2s.Dialect, error)

// Registry maps engine names to dialect constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	dialects map[string]DialectFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{dialects: make(map[string]DialectFactory)}
}

// DefaultRegistry returns a registry preloaded with the built-in dialects.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterDialect(gemini.Name, func(e EngineConfig) (s2s.Dialect, error) {
		return gemini.New(e.APIKey, gemini.WithModel(e.Model), gemini.WithBaseURL(e.BaseURL)), nil
	})
	r.RegisterDialect(openai.Name, func(e EngineConfig) (s2s.Dialect, error) {
		return openai.New(e.APIKey, openai.WithModel(e.Model), openai.WithBaseURL(e.BaseURL)), nil
	})
	return r
}

// RegisterDialect registers a dialect factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialect(name string, factory DialectFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialects[name] = factory
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.dialects))
	for n := range r.dialects {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateDialect instantiates the dialect registered under e.Name.
// Returns [ErrEngineNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDialect(e EngineConfig) (s2s.Dialect, error) {
	r.mu.RLock()
	factory, ok := r.dialects[e.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, e.Name)
	}
	return factory(e)
}
