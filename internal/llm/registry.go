package llm

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/steward/internal/config"
)

// ErrUnknownModel is returned by Registry.Get for names that were never
// registered.
var ErrUnknownModel = errors.New("unknown model")

// Registry owns the configured models, keyed by configuration name. It
// is built once at startup and shared by every agent; lookups take a
// read lock so concurrent runs never contend.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	def    string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds or replaces the model under name. The first registered
// model becomes the default.
func (r *Registry) Register(name string, m *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[name] = m
	if r.def == "" {
		r.def = name
	}
}

// SetDefault selects the model returned for an empty name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	r.def = name
	return nil
}

// Get returns the model registered under name, or the default model
// when name is empty.
func (r *Registry) Get(name string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.def
	}
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
	return m, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for n := range r.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry constructs a client for each configured model and
// registers it. Entries that share a provider, endpoint and key share
// one client. extra options apply to every model.
func BuildRegistry(cfg config.ModelsConfig, logger *slog.Logger, extra ...ModelOption) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Available) == 0 {
		return nil, errors.New("no models configured")
	}

	type clientKey struct{ provider, url, key string }
	clients := make(map[clientKey]Client)

	reg := NewRegistry()
	for _, mc := range cfg.Available {
		key := clientKey{mc.Provider, mc.BaseURL, mc.APIKey}
		client, ok := clients[key]
		if !ok {
			var err error
			client, err = NewClient(mc, logger)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", mc.Name, err)
			}
			clients[key] = client
		}

		opts := []ModelOption{
			WithProvider(mc.Provider),
			WithTemperature(mc.Temperature),
			WithMaxTokens(mc.MaxTokens),
			WithPricing(mc.Pricing),
			WithModelLogger(logger.With("model_name", mc.Name)),
		}
		reg.Register(mc.Name, NewModel(client, mc.Model, append(opts, extra...)...))
		logger.Debug("model registered",
			"name", mc.Name,
			"provider", mc.Provider,
			"model", mc.Model,
		)
	}

	if cfg.Default != "" {
		if err := reg.SetDefault(cfg.Default); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewClient builds the provider client for one model entry.
func NewClient(mc config.ModelConfig, logger *slog.Logger) (Client, error) {
	timeout := time.Duration(mc.TimeoutSec) * time.Second
	switch mc.Provider {
	case "ollama", "":
		return NewOllamaClient(mc.BaseURL, timeout, logger), nil
	case "openai":
		return NewOpenAIClient(mc.APIKey, mc.BaseURL, timeout, logger), nil
	case "anthropic":
		if mc.APIKey == "" {
			return nil, errors.New("anthropic provider requires api_key")
		}
		return NewAnthropicClient(mc.APIKey, mc.BaseURL, timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: ollama, openai, anthropic)", mc.Provider)
	}
}
