package search

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/steward/internal/httpkit"
)

// duckDuckGoEndpoint serves the JavaScript-free results page.
const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo implements the Provider interface by scraping the
// DuckDuckGo HTML results page. It needs no API key.
type DuckDuckGo struct {
	api endpoint
}

// NewDuckDuckGo creates a DuckDuckGo provider.
func NewDuckDuckGo(opts ...httpkit.ClientOption) *DuckDuckGo {
	return &DuckDuckGo{api: newEndpoint("duckduckgo", duckDuckGoEndpoint, nil, opts)}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{"q": {query}}
	if opts.Language != "" {
		params.Set("kl", opts.Language)
	}

	resp, err := d.api.getOK(ctx, params, "text/html")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	doc, err := html.Parse(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse results: %w", err)
	}
	return parseDuckDuckGo(doc, opts.count()), nil
}

// parseDuckDuckGo collects result links in document order. Each
// result__a anchor starts a result; the next result__snippet element
// supplies its snippet.
func parseDuckDuckGo(doc *html.Node, count int) []Result {
	var results []Result
	seen := make(map[string]bool)

	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result__a"):
				link := resolveDuckDuckGoLink(attr(n, "href"))
				if link == "" || seen[link] {
					return true
				}
				seen[link] = true
				results = append(results, Result{
					Title: strings.Join(strings.Fields(textOf(n)), " "),
					URL:   link,
				})
				return true
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = strings.Join(strings.Fields(textOf(n)), " ")
				}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return len(results) < count || results[len(results)-1].Snippet == ""
	}
	walk(doc)

	if len(results) > count {
		results = results[:count]
	}
	return results
}

// resolveDuckDuckGoLink unwraps the /l/?uddg= redirect DuckDuckGo puts
// around result links. Non-http links are dropped.
func resolveDuckDuckGoLink(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		u, err = url.Parse(target)
		if err != nil {
			return ""
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}
