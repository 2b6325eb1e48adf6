// Package search provides the web_search tool and the providers behind
// it.
//
// Each backend implements [Provider] and is registered with a
// [Manager]. The manager tries the primary provider first and falls
// back to the others in registration order, so one rate-limited or
// unreachable backend does not fail the search.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/httpkit"
)

// DefaultCount is the number of results returned when the caller does
// not ask for a specific number.
const DefaultCount = 5

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means DefaultCount.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

func (o Options) count() int {
	if o.Count <= 0 {
		return DefaultCount
	}
	return o.Count
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNoProviders is returned when a search is attempted with nothing
// registered.
var ErrNoProviders = errors.New("no search providers configured")

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	order     []string
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is tried first; an empty name means the
// first registered provider.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	if _, ok := m.providers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
}

// Search runs query against the primary provider, falling back to the
// others when it fails or returns nothing.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.providers) == 0 {
		return nil, ErrNoProviders
	}

	var errs []error
	for _, name := range m.attemptOrder() {
		results, err := m.providers[name].Search(ctx, query, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("search provider failed",
				"provider", name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if len(results) == 0 {
			m.logger.Debug("search provider returned no results", "provider", name)
			continue
		}
		m.logger.Debug("search complete",
			"provider", name,
			"results", len(results),
		)
		return results, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("all search providers failed: %w", errors.Join(errs...))
	}
	return nil, nil
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

func (m *Manager) attemptOrder() []string {
	order := make([]string, 0, len(m.order))
	if _, ok := m.providers[m.primary]; ok {
		order = append(order, m.primary)
	}
	for _, name := range m.order {
		if name != m.primary {
			order = append(order, name)
		}
	}
	return order
}

// Providers returns the names of all registered providers in
// registration order.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FromConfig builds a manager with every provider cfg enables. The
// order is searxng, brave, duckduckgo.
func FromConfig(cfg config.SearchConfig, logger *slog.Logger, opts ...httpkit.ClientOption) *Manager {
	m := NewManager(cfg.Default, logger)
	if cfg.SearXNGURL != "" {
		m.Register(NewSearXNG(cfg.SearXNGURL, opts...))
	}
	if cfg.BraveKey != "" {
		m.Register(NewBrave(cfg.BraveKey, opts...))
	}
	if cfg.DuckDuckGo {
		m.Register(NewDuckDuckGo(opts...))
	}
	return m
}

// FormatResults renders results as a numbered list with one URL per
// entry.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		sb.WriteString(". ")
		sb.WriteString(r.Title)
		sb.WriteString("\n   ")
		sb.WriteString(r.URL)
		if r.Snippet != "" {
			sb.WriteString("\n   ")
			sb.WriteString(r.Snippet)
		}
	}
	return sb.String()
}
