package provider

import (
	"fmt"
	"sort"
	"sync"

	"conclave/internal/config"
	"conclave/internal/logging"
)

// Registry maps provider ids to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds or replaces the backend under its Name().
func (r *Registry) Register(b Backend) {
	r.RegisterAs(b.Name(), b)
}

// RegisterAs adds or replaces a backend under an explicit id.
func (r *Registry) RegisterAs(id string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[id] = b
}

// Get returns the backend for id.
func (r *Registry) Get(id string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return b, nil
}

// IDs returns the registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// New builds the backend for one provider id from its config.
func New(id string, pc config.ProviderConfig, cfg *config.Config) (Backend, error) {
	timeout := cfg.GetProviderTimeout(id)
	switch id {
	case OpenAI:
		return NewOpenAI(pc.APIKey, pc.BaseURL, timeout), nil
	case XAI:
		return NewXAI(pc.APIKey, pc.BaseURL, timeout), nil
	case OpenRouter:
		return NewOpenRouter(pc.APIKey, pc.BaseURL, timeout), nil
	case ZAI:
		return NewZAI(pc.APIKey, pc.BaseURL, timeout), nil
	case Anthropic:
		return NewAnthropic(pc.APIKey, pc.BaseURL, timeout), nil
	case Gemini:
		return NewGemini(pc.APIKey, pc.BaseURL, timeout), nil
	case Scripted:
		return NewScripted(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", id)
	}
}

// RegistryFromConfig registers a backend for every provider referenced by a
// pipeline target. Missing API keys are not an error here: the call fails
// with ErrAuthFailed and the stage falls back.
func RegistryFromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	for _, id := range cfg.UsedProviders() {
		b, err := New(id, cfg.Providers[id], cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Providers[id].APIKey == "" && id != Scripted {
			logging.Get(logging.CategoryProvider).Warn("provider %s has no API key configured", id)
		}
		r.RegisterAs(id, b)
	}
	return r, nil
}
