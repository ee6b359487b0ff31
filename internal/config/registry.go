package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streamlate/streamlate/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory constructs an LLM provider from its configuration block.
type LLMFactory func(cfg LLMConfig) (llm.Provider, error)

// Registry maps LLM provider names to their constructor functions. The server
// binary registers all built-in providers at startup; tests may register
// in-memory fakes.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]LLMFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{llm: make(map[string]LLMFactory)}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM constructs the LLM provider selected by cfg.Provider.
// Returns [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) CreateLLM(cfg LLMConfig) (llm.Provider, error) {
	name := cfg.ProviderOrDefault()

	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm provider %q", ErrProviderNotRegistered, name)
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create llm provider %q: %w", name, err)
	}
	return p, nil
}
