package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/tools"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
	calls   int
	opts    Options
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, opts Options) ([]Result, error) {
	m.calls++
	m.opts = opts
	return m.results, m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock", quietLogger())
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Test", URL: "https://example.com", Snippet: "A test result"},
		},
	})

	results, err := mgr.Search(context.Background(), "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Test" {
		t.Fatalf("results = %+v", results)
	}
}

func TestManagerFallback(t *testing.T) {
	tests := []struct {
		name      string
		primary   *mockProvider
		secondary *mockProvider
		want      string
		wantErr   bool
	}{
		{
			name:      "primary fails",
			primary:   &mockProvider{name: "primary", err: errors.New("rate limited")},
			secondary: &mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}},
			want:      "Secondary",
		},
		{
			name:      "primary empty",
			primary:   &mockProvider{name: "primary"},
			secondary: &mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}},
			want:      "Secondary",
		},
		{
			name:      "primary wins",
			primary:   &mockProvider{name: "primary", results: []Result{{Title: "Primary"}}},
			secondary: &mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}},
			want:      "Primary",
		},
		{
			name:      "all fail",
			primary:   &mockProvider{name: "primary", err: errors.New("down")},
			secondary: &mockProvider{name: "secondary", err: errors.New("down too")},
			wantErr:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Registered out of order so the primary name decides who goes first.
			mgr := NewManager("primary", quietLogger())
			mgr.Register(tt.secondary)
			mgr.Register(tt.primary)

			results, err := mgr.Search(context.Background(), "q", Options{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(results) != 1 || results[0].Title != tt.want {
				t.Errorf("results = %+v, want %q", results, tt.want)
			}
			if tt.primary.calls != 1 {
				t.Errorf("primary called %d times", tt.primary.calls)
			}
		})
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary", quietLogger())
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Secondary" {
		t.Errorf("expected 'Secondary', got %q", results[0].Title)
	}
	if _, err := mgr.SearchWith(context.Background(), "missing", "test", Options{}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestManagerUnconfigured(t *testing.T) {
	mgr := NewManager("missing", quietLogger())
	if _, err := mgr.Search(context.Background(), "test", Options{}); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
	if mgr.Configured() {
		t.Error("Configured() = true with no providers")
	}
}

func TestFromConfig(t *testing.T) {
	mgr := FromConfig(config.SearchConfig{
		SearXNGURL: "http://searx.local",
		BraveKey:   "key",
		DuckDuckGo: true,
	}, quietLogger())
	if diff := cmp.Diff([]string{"searxng", "brave", "duckduckgo"}, mgr.Providers()); diff != "" {
		t.Errorf("providers (-want +got):\n%s", diff)
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	})
	want := "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com"
	if out != want {
		t.Errorf("FormatResults = %q, want %q", out, want)
	}
	if out := FormatResults(nil); out != "No results found." {
		t.Errorf("expected 'No results found.', got %q", out)
	}
}

func TestSearXNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if got := r.URL.Query().Get("q"); got != "golang" {
			t.Errorf("q = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"results":[
			{"title":"Go","url":"https://go.dev","content":"The Go language"},
			{"title":"No URL","url":""},
			{"title":"Tour","url":"https://go.dev/tour","content":"A tour"},
			{"title":"Blog","url":"https://go.dev/blog"}
		]}`)
	}))
	defer srv.Close()

	results, err := NewSearXNG(srv.URL+"/").Search(context.Background(), "golang", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []Result{
		{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"},
		{Title: "Tour", URL: "https://go.dev/tour", Snippet: "A tour"},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}
}

func TestCollect(t *testing.T) {
	hits := []Result{
		{Title: "no url"},
		{Title: "a", URL: "https://a.example"},
		{Title: "b", URL: "https://b.example"},
		{Title: "c", URL: "https://c.example"},
	}
	got := collect(hits, 2)
	want := []Result{hits[1], hits[2]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("collect (-want +got):\n%s", diff)
	}
	if got := collect(nil, 5); len(got) != 0 {
		t.Errorf("collect(nil) = %+v", got)
	}
}

func TestBrave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":"bad token"}`)
			return
		}
		if got := r.URL.Query().Get("count"); got != "3" {
			t.Errorf("count = %q, want 3", got)
		}
		io.WriteString(w, `{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"Build simple software"}]}}`)
	}))
	defer srv.Close()

	b := NewBrave("secret")
	b.api.url = srv.URL
	results, err := b.Search(context.Background(), "golang", Options{Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if diff := cmp.Diff([]Result{{Title: "Go", URL: "https://go.dev", Snippet: "Build simple software"}}, results); diff != "" {
		t.Errorf("results (-want +got):\n%s", diff)
	}

	bad := NewBrave("wrong")
	bad.api.url = srv.URL
	if _, err := bad.Search(context.Background(), "golang", Options{}); err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want HTTP 401", err)
	}
}

const ddgPage = `<html><body>
<div class="result">
  <h2><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">The Go <b>Documentation</b></a></h2>
  <a class="result__snippet" href="#">Official documentation for Go.</a>
</div>
<div class="result">
  <h2><a class="result__a" href="https://go.dev/blog">Go Blog</a></h2>
  <div class="result__snippet">News from the Go team.</div>
</div>
<div class="result">
  <h2><a class="result__a" href="javascript:void(0)">Ad</a></h2>
</div>
<div class="result">
  <h2><a class="result__a" href="https://go.dev/blog">Duplicate</a></h2>
</div>
<div class="result">
  <h2><a class="result__a" href="https://pkg.go.dev">Packages</a></h2>
</div>
</body></html>`

func TestDuckDuckGo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "go docs" {
			t.Errorf("q = %q", got)
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, ddgPage)
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.api.url = srv.URL

	tests := []struct {
		name  string
		count int
		want  []Result
	}{
		{
			name:  "all results",
			count: 10,
			want: []Result{
				{Title: "The Go Documentation", URL: "https://go.dev/doc/", Snippet: "Official documentation for Go."},
				{Title: "Go Blog", URL: "https://go.dev/blog", Snippet: "News from the Go team."},
				{Title: "Packages", URL: "https://pkg.go.dev"},
			},
		},
		{
			name:  "limited",
			count: 1,
			want: []Result{
				{Title: "The Go Documentation", URL: "https://go.dev/doc/", Snippet: "Official documentation for Go."},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := d.Search(context.Background(), "go docs", Options{Count: tt.count})
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if diff := cmp.Diff(tt.want, results); diff != "" {
				t.Errorf("results (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDuckDuckGoStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.api.url = srv.URL
	if _, err := d.Search(context.Background(), "go", Options{}); err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want HTTP 429", err)
	}
}

func TestTool(t *testing.T) {
	p := &mockProvider{name: "mock", results: []Result{
		{Title: "A", URL: "https://a.example"},
		{Title: "B", URL: "https://b.example"},
		{Title: "C", URL: "https://c.example"},
	}}
	mgr := NewManager("mock", quietLogger())
	mgr.Register(p)

	reg := tools.NewRegistry()
	reg.Register(NewTool(mgr, 2))

	tests := []struct {
		name      string
		args      map[string]any
		wantCount int
		want      string
		wantErr   string
	}{
		{
			name:      "capped",
			args:      map[string]any{"query": "x", "num_results": float64(10)},
			wantCount: 2,
			want:      "1. A\n   https://a.example\n\n2. B\n   https://b.example",
		},
		{
			name:      "default capped",
			args:      map[string]any{"query": "x"},
			wantCount: 2,
			want:      "1. A\n   https://a.example\n\n2. B\n   https://b.example",
		},
		{
			name:      "count alias",
			args:      map[string]any{"query": "x", "count": "1"},
			wantCount: 1,
			want:      "1. A\n   https://a.example",
		},
		{
			name:    "missing query",
			args:    map[string]any{},
			wantErr: "query is required",
		},
		{
			name:    "unknown provider",
			args:    map[string]any{"query": "x", "provider": "bing"},
			wantErr: `search provider "bing" not configured`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Invoke(context.Background(), ToolName, tt.args)
			if err != nil {
				t.Fatal(err)
			}
			if res.Error != tt.wantErr {
				t.Fatalf("Error = %q, want %q", res.Error, tt.wantErr)
			}
			if tt.wantErr != "" {
				return
			}
			if res.Output != tt.want {
				t.Errorf("Output = %q, want %q", res.Output, tt.want)
			}
			if p.opts.Count != tt.wantCount {
				t.Errorf("provider count = %d, want %d", p.opts.Count, tt.wantCount)
			}
		})
	}
}
