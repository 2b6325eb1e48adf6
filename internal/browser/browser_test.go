package browser

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/steward/internal/tools"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Go Generics</title><script>var tracker = 1;</script></head>
<body>
<nav><a href="/">Home</a> <a href="/blog">Blog</a></nav>
<main>
<h1>Type parameters</h1>
<p>Go 1.18 added <strong>generics</strong>.</p>
<p>See the <a href="https://go.dev/doc/tutorial/generics#intro">tutorial</a> or <a href="#top">top</a>.</p>
<ul><li>one</li><li>two</li></ul>
</main>
<footer>Copyright</footer>
<a href="mailto:gopher@example.com">Mail us</a>
</body>
</html>`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParsePage(t *testing.T) {
	base, _ := url.Parse("https://example.com/articles/generics")
	p := parsePage(articleHTML, base)

	if p.title != "Go Generics" {
		t.Errorf("title = %q", p.title)
	}
	for _, want := range []string{"Type parameters", "Go 1.18 added generics .", "one\n", "two"} {
		if !strings.Contains(p.text, want) {
			t.Errorf("text missing %q:\n%s", want, p.text)
		}
	}
	for _, unwanted := range []string{"tracker", "Home", "Copyright", "Go Generics"} {
		if strings.Contains(p.text, unwanted) {
			t.Errorf("text contains %q:\n%s", unwanted, p.text)
		}
	}

	want := []Link{
		{Text: "Home", URL: "https://example.com/"},
		{Text: "Blog", URL: "https://example.com/blog"},
		{Text: "tutorial", URL: "https://go.dev/doc/tutorial/generics"},
	}
	if diff := cmp.Diff(want, p.links); diff != "" {
		t.Errorf("links (-want +got):\n%s", diff)
	}
}

func TestCleanWhitespace(t *testing.T) {
	got := cleanWhitespace("  a   b \n\n\n\n c\t d  \n")
	if got != "a b\n\nc d" {
		t.Errorf("cleanWhitespace = %q", got)
	}
}

func TestLimit(t *testing.T) {
	if got := limit("short", 10); got != "short" {
		t.Errorf("limit = %q", got)
	}
	got := limit("héllo world", 2)
	if !strings.HasPrefix(got, "h\n") || !strings.Contains(got, "total: 12 characters") {
		t.Errorf("limit = %q", got)
	}
}

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *hitCounter) get(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

// site serves a handful of pages and counts requests per path.
func site(t *testing.T) (*httptest.Server, *hitCounter) {
	t.Helper()
	hits := &hitCounter{hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.mu.Lock()
		hits.hits[r.URL.Path]++
		hits.mu.Unlock()
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, articleHTML)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "just   text\n\n\n\nhere")
		case "/long":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, strings.Repeat("x", 100))
		case "/empty":
			w.Header().Set("Content-Type", "text/html")
			io.WriteString(w, "<html><body><script>1</script></body></html>")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func newTestTool(t *testing.T, opts ...Option) (*tools.Registry, *Browser) {
	t.Helper()
	b := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	reg := tools.NewRegistry()
	reg.Register(NewTool(b))
	return reg, b
}

func invoke(t *testing.T, reg *tools.Registry, args map[string]any) tools.Result {
	t.Helper()
	res, err := reg.Invoke(context.Background(), ToolName, args)
	if err != nil {
		t.Fatalf("Invoke(%v): %v", args, err)
	}
	return res
}

func TestToolActions(t *testing.T) {
	srv, hits := site(t)
	reg, b := newTestTool(t, WithLimits(50, 0))

	steps := []struct {
		name       string
		args       map[string]any
		want       string
		wantPrefix string
		wantErr    string
	}{
		{
			name:    "read before navigate",
			args:    map[string]any{"action": "get_text"},
			wantErr: ErrNoPage.Error(),
		},
		{
			name: "navigate",
			args: map[string]any{"action": "navigate", "url": srv.URL + "/article"},
			want: "Navigated to " + srv.URL + "/article",
		},
		{
			name:       "get_text",
			args:       map[string]any{"action": "get_text"},
			wantPrefix: "Type parameters\n\nGo 1.18 added",
		},
		{
			name:       "get_html",
			args:       map[string]any{"action": "get_html"},
			wantPrefix: "<!DOCTYPE html>",
		},
		{
			name: "read_links",
			args: map[string]any{"action": "read_links"},
			want: "Home " + srv.URL + "/\nBlog " + srv.URL + "/blog\ntutorial https://go.dev/doc/tutorial/generics",
		},
		{
			name: "scroll down",
			args: map[string]any{"action": "scroll", "scroll_amount": float64(300)},
			want: "Scrolled down by 300 pixels",
		},
		{
			name: "scroll up",
			args: map[string]any{"action": "scroll", "scroll_amount": "-100"},
			want: "Scrolled up by 100 pixels",
		},
		{
			name:    "scroll needs amount",
			args:    map[string]any{"action": "scroll"},
			wantErr: `scroll_amount is required for "scroll"`,
		},
		{
			name: "new tab",
			args: map[string]any{"action": "new_tab", "url": srv.URL + "/plain"},
			want: "Opened new tab 1 with " + srv.URL + "/plain",
		},
		{
			name: "plain text page",
			args: map[string]any{"action": "get_text"},
			want: "just text\n\nhere",
		},
		{
			name: "switch back",
			args: map[string]any{"action": "switch_tab", "tab_id": float64(0)},
			want: "Switched to tab 0",
		},
		{
			name:    "switch to missing tab",
			args:    map[string]any{"action": "switch_tab", "tab_id": float64(5)},
			wantErr: "tab 5 does not exist (2 open)",
		},
		{
			name: "refresh",
			args: map[string]any{"action": "refresh"},
			want: "Refreshed " + srv.URL + "/article",
		},
		{
			name: "close tab",
			args: map[string]any{"action": "close_tab"},
			want: "Closed tab 0",
		},
		{
			name: "remaining tab is active",
			args: map[string]any{"action": "get_text"},
			want: "just text\n\nhere",
		},
		{
			name:       "get_text with url navigates first",
			args:       map[string]any{"action": "get_text", "url": srv.URL + "/long"},
			wantPrefix: strings.Repeat("x", 50) + "\n... (content truncated, total: 100 characters)",
		},
		{
			name:    "missing page",
			args:    map[string]any{"action": "navigate", "url": srv.URL + "/gone"},
			wantErr: "invalid URL " + srv.URL + "/gone: HTTP 404; choose another result",
		},
		{
			name:    "empty page",
			args:    map[string]any{"action": "get_text", "url": srv.URL + "/empty"},
			wantErr: "no text extracted from " + srv.URL + "/empty",
		},
		{
			name:    "click is unsupported",
			args:    map[string]any{"action": "click", "index": float64(3)},
			wantErr: `action "click" is not supported: pages are fetched, not rendered`,
		},
		{
			name:    "unknown action",
			args:    map[string]any{"action": "fly"},
			wantErr: `unknown action "fly" (valid: ` + strings.Join(actions, ", ") + ")",
		},
	}
	for _, st := range steps {
		res := invoke(t, reg, st.args)
		if res.Error != st.wantErr {
			t.Fatalf("%s: Error = %q, want %q", st.name, res.Error, st.wantErr)
		}
		if st.wantErr != "" {
			continue
		}
		if st.want != "" && res.Output != st.want {
			t.Errorf("%s: Output = %q, want %q", st.name, res.Output, st.want)
		}
		if st.wantPrefix != "" && !strings.HasPrefix(res.Output, st.wantPrefix) {
			t.Errorf("%s: Output = %q, want prefix %q", st.name, res.Output, st.wantPrefix)
		}
	}

	if n := hits.get("/article"); n != 2 {
		t.Errorf("article fetched %d times, want navigate and refresh", n)
	}
	if b.Tabs() != 1 {
		t.Errorf("tabs = %d, want 1", b.Tabs())
	}
}

func TestCleanup(t *testing.T) {
	srv, _ := site(t)
	reg, b := newTestTool(t)

	invoke(t, reg, map[string]any{"action": "navigate", "url": srv.URL + "/article"})
	invoke(t, reg, map[string]any{"action": "new_tab", "url": srv.URL + "/plain"})

	// Registry cleanup reaches the browser through the tool.
	for range 2 {
		if err := reg.Cleanup(context.Background()); err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
	}
	if b.Tabs() != 0 {
		t.Errorf("tabs after cleanup = %d", b.Tabs())
	}
	if res := invoke(t, reg, map[string]any{"action": "get_text"}); res.Error != ErrNoPage.Error() {
		t.Errorf("get_text after cleanup = %+v", res)
	}
}
