package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nugget/steward/internal/httpkit"
)

// maxResponseBytes bounds a provider response body.
const maxResponseBytes = 4 << 20

// endpoint is an HTTP search backend: a base URL, the client used to
// reach it and the headers every request carries.
type endpoint struct {
	provider string
	url      string
	headers  map[string]string
	client   *http.Client
}

func newEndpoint(provider, rawURL string, headers map[string]string, opts []httpkit.ClientOption) endpoint {
	opts = append([]httpkit.ClientOption{httpkit.WithTimeout(15 * time.Second)}, opts...)
	return endpoint{
		provider: provider,
		url:      rawURL,
		headers:  headers,
		client:   httpkit.NewClient(opts...),
	}
}

// get issues a GET with params and returns the response. Errors are
// prefixed with the provider name.
func (e endpoint) get(ctx context.Context, params url.Values, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", e.provider, err)
	}
	req.Header.Set("Accept", accept)
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", e.provider, err)
	}
	return resp, nil
}

// getJSON issues a GET and decodes the JSON reply into v.
func (e endpoint) getJSON(ctx context.Context, params url.Values, v any) error {
	resp, err := e.get(ctx, params, "application/json")
	if err != nil {
		return err
	}
	if err := httpkit.DecodeJSON(resp, v, maxResponseBytes); err != nil {
		return fmt.Errorf("%s: %w", e.provider, err)
	}
	return nil
}

// getOK issues a GET and returns the response when it is a 200. The
// caller drains and closes the body.
func (e endpoint) getOK(ctx context.Context, params url.Values, accept string) (*http.Response, error) {
	resp, err := e.get(ctx, params, accept)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w", e.provider, &httpkit.StatusError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		})
	}
	return resp, nil
}

// collect keeps hits that carry a URL, up to count.
func collect(hits []Result, count int) []Result {
	results := make([]Result, 0, min(count, len(hits)))
	for _, r := range hits {
		if len(results) >= count {
			break
		}
		if r.URL == "" {
			continue
		}
		results = append(results, r)
	}
	return results
}
