package search

import (
	"context"
	"net/url"
	"strings"

	"github.com/nugget/steward/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance through its JSON API.
type SearXNG struct {
	api endpoint
}

// NewSearXNG creates a SearXNG provider for the instance rooted at
// baseURL, such as "http://localhost:8080".
func NewSearXNG(baseURL string, opts ...httpkit.ClientOption) *SearXNG {
	return &SearXNG{api: newEndpoint("searxng", strings.TrimRight(baseURL, "/")+"/search", nil, opts)}
}

func (s *SearXNG) Name() string { return "searxng" }

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}

	var reply struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := s.api.getJSON(ctx, params, &reply); err != nil {
		return nil, err
	}

	hits := make([]Result, len(reply.Results))
	for i, r := range reply.Results {
		hits[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Content}
	}
	return collect(hits, opts.count()), nil
}
