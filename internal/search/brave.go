package search

import (
	"context"
	"net/url"
	"strconv"

	"github.com/nugget/steward/internal/httpkit"
)

// braveEndpoint is the Brave web search API.
const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API. It needs a subscription token.
type Brave struct {
	api endpoint
}

// NewBrave creates a Brave Search provider.
func NewBrave(apiKey string, opts ...httpkit.ClientOption) *Brave {
	headers := map[string]string{"X-Subscription-Token": apiKey}
	return &Brave{api: newEndpoint("brave", braveEndpoint, headers, opts)}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.count()
	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	var reply struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := b.api.getJSON(ctx, params, &reply); err != nil {
		return nil, err
	}

	hits := make([]Result, len(reply.Web.Results))
	for i, r := range reply.Web.Results {
		hits[i] = Result{Title: r.Title, URL: r.URL, Snippet: r.Description}
	}
	return collect(hits, count), nil
}
