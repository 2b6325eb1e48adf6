// Package browser implements the browser_use tool: a tabbed,
// HTTP-only page reader. Pages are fetched and parsed, not rendered,
// so actions that need a live DOM (click, input_text, execute_js,
// screenshot) report that they are unsupported.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nugget/steward/internal/httpkit"
)

const (
	// DefaultTimeout bounds a single page load.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes is the largest response body read (5 MB).
	DefaultMaxBytes int64 = 5 << 20

	// DefaultMaxText is the character limit for get_text output.
	DefaultMaxText = 20000

	// DefaultMaxHTML is the character limit for get_html output.
	DefaultMaxHTML = 250000
)

// ErrNoPage is returned by actions that read the current page before
// anything has been loaded.
var ErrNoPage = errors.New("no page loaded; navigate to a URL first")

// tab is one open page.
type tab struct {
	url    string
	status int
	raw    string
	page   page
	scroll int
}

// Browser holds the open tabs. All actions are serialized.
type Browser struct {
	mu      sync.Mutex
	client  *http.Client
	logger  *slog.Logger
	tabs    []*tab
	active  int
	maxBody int64
	maxText int
	maxHTML int
}

// Option configures a Browser.
type Option func(*Browser)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(b *Browser) { b.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Browser) { b.logger = l }
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) Option {
	return func(b *Browser) {
		if n > 0 {
			b.maxBody = n
		}
	}
}

// WithLimits sets the output limits for get_text and get_html.
func WithLimits(maxText, maxHTML int) Option {
	return func(b *Browser) {
		if maxText > 0 {
			b.maxText = maxText
		}
		if maxHTML > 0 {
			b.maxHTML = maxHTML
		}
	}
}

// New creates a browser with no open tabs.
func New(opts ...Option) *Browser {
	b := &Browser{
		logger:  slog.Default(),
		maxBody: DefaultMaxBytes,
		maxText: DefaultMaxText,
		maxHTML: DefaultMaxHTML,
	}
	for _, o := range opts {
		o(b)
	}
	if b.client == nil {
		b.client = httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout), httpkit.WithLogger(b.logger))
	}
	return b
}

// Navigate loads rawURL into the active tab, opening one if none is
// open.
func (b *Browser) Navigate(ctx context.Context, rawURL string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tabs) == 0 {
		b.tabs = append(b.tabs, &tab{})
		b.active = 0
	}
	return b.load(ctx, b.tabs[b.active], rawURL)
}

// load fetches rawURL into t. Non-2xx responses fail the navigation
// and leave t unchanged.
func (b *Browser) load(ctx context.Context, t *tab, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("url is required for navigation")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error navigating to %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpkit.DrainAndClose(resp.Body, 4096)
		return "", fmt.Errorf("invalid URL %s: HTTP %d; choose another result", rawURL, resp.StatusCode)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBody))
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", rawURL, err)
	}

	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	raw := string(body)
	var p page
	switch ct := strings.ToLower(resp.Header.Get("Content-Type")); {
	case strings.Contains(ct, "html"), ct == "" && utf8.Valid(body):
		p = parsePage(raw, base)
	case utf8.Valid(body):
		p = page{text: cleanWhitespace(raw)}
	default:
		p = page{text: fmt.Sprintf("Binary content (%s), %d bytes", ct, len(body))}
	}

	*t = tab{url: base.String(), status: resp.StatusCode, raw: raw, page: p}
	b.logger.Debug("page loaded",
		"url", t.url,
		"status", t.status,
		"bytes", len(body),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return "Navigated to " + rawURL, nil
}

func (b *Browser) current() (*tab, error) {
	if len(b.tabs) == 0 || b.tabs[b.active].url == "" {
		return nil, ErrNoPage
	}
	return b.tabs[b.active], nil
}

// Text returns the visible text of the current page.
func (b *Browser) Text() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.current()
	if err != nil {
		return "", err
	}
	text := t.page.text
	if text == "" {
		return "", fmt.Errorf("no text extracted from %s", t.url)
	}
	return limit(text, b.maxText), nil
}

// HTML returns the raw markup of the current page.
func (b *Browser) HTML() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.current()
	if err != nil {
		return "", err
	}
	return limit(t.raw, b.maxHTML), nil
}

// Links returns the links on the current page.
func (b *Browser) Links() ([]Link, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.current()
	if err != nil {
		return nil, err
	}
	return append([]Link(nil), t.page.links...), nil
}

// Refresh reloads the current page.
func (b *Browser) Refresh(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.current()
	if err != nil {
		return "", err
	}
	if _, err := b.load(ctx, t, t.url); err != nil {
		return "", err
	}
	return "Refreshed " + t.url, nil
}

// Scroll moves the active tab's scroll position. Pages are not
// rendered, so only the position is tracked.
func (b *Browser) Scroll(pixels int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.current()
	if err != nil {
		return "", err
	}
	t.scroll = max(0, t.scroll+pixels)
	if pixels < 0 {
		return fmt.Sprintf("Scrolled up by %d pixels", -pixels), nil
	}
	return fmt.Sprintf("Scrolled down by %d pixels", pixels), nil
}

// NewTab opens a tab, loads rawURL into it and makes it active.
func (b *Browser) NewTab(ctx context.Context, rawURL string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &tab{}
	if _, err := b.load(ctx, t, rawURL); err != nil {
		return "", err
	}
	b.tabs = append(b.tabs, t)
	b.active = len(b.tabs) - 1
	return fmt.Sprintf("Opened new tab %d with %s", b.active, t.url), nil
}

// SwitchTab makes tab id active.
func (b *Browser) SwitchTab(id int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id < 0 || id >= len(b.tabs) {
		return "", fmt.Errorf("tab %d does not exist (%d open)", id, len(b.tabs))
	}
	b.active = id
	return fmt.Sprintf("Switched to tab %d", id), nil
}

// CloseTab closes the active tab. The previous tab becomes active.
func (b *Browser) CloseTab() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tabs) == 0 {
		return "", errors.New("no tab is open")
	}
	closed := b.active
	b.tabs = append(b.tabs[:closed], b.tabs[closed+1:]...)
	b.active = max(0, closed-1)
	return fmt.Sprintf("Closed tab %d", closed), nil
}

// Tabs returns the number of open tabs.
func (b *Browser) Tabs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}

// Cleanup closes every tab and idle connection. It is safe to call
// more than once.
func (b *Browser) Cleanup(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.tabs) > 0 {
		b.logger.Debug("browser closed", "tabs", len(b.tabs))
	}
	b.tabs = nil
	b.active = 0
	b.client.CloseIdleConnections()
	return nil
}

// limit truncates s to n bytes on a rune boundary and notes the total.
func limit(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s\n... (content truncated, total: %d characters)", s[:cut], len(s))
}
