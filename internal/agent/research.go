package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/steward/internal/chunking"
	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/tools"
)

// Tool names the research hook reacts to.
const (
	searchTool  = "web_search"
	browserTool = "browser_use"
)

// chunkFailureExcerpt is how much of an oversized page is kept when
// chunked processing fails.
const chunkFailureExcerpt = 2000

// ContentProcessor answers a query over content too large for the
// observation window.
type ContentProcessor interface {
	Process(ctx context.Context, content, query, contentType string, metadata map[string]any) (string, error)
}

// ResearchHook is the SpecialToolHook for web research. It tracks URLs
// returned by searches so a failed page can be replaced by the next
// result, condenses oversized pages through the chunking pipeline, and
// releases the browser when the run terminates.
type ResearchHook struct {
	browser   tools.Cleaner
	processor ContentProcessor
	threshold int
	logger    *slog.Logger

	mu        sync.Mutex
	available []string
	tried     []string
}

// HookOption configures a ResearchHook.
type HookOption func(*ResearchHook)

// WithBrowser sets the browser session released on terminate.
func WithBrowser(c tools.Cleaner) HookOption {
	return func(h *ResearchHook) { h.browser = c }
}

// WithProcessor enables chunked processing of pages longer than
// threshold characters.
func WithProcessor(p ContentProcessor, threshold int) HookOption {
	return func(h *ResearchHook) {
		h.processor = p
		h.threshold = threshold
	}
}

// WithHookLogger sets the logger.
func WithHookLogger(l *slog.Logger) HookOption {
	return func(h *ResearchHook) { h.logger = l }
}

// NewResearchHook creates a hook.
func NewResearchHook(opts ...HookOption) *ResearchHook {
	h := &ResearchHook{}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// HandleToolResult implements dispatch.SpecialToolHook.
func (h *ResearchHook) HandleToolResult(ctx context.Context, ev dispatch.ToolEvent) dispatch.HookOutcome {
	switch ev.Name {
	case tools.TerminateName:
		if h.browser != nil {
			if err := h.browser.Cleanup(ctx); err != nil {
				h.logger.Warn("browser cleanup failed", "error", err)
			} else {
				h.logger.Debug("browser released after terminate")
			}
		}

	case searchTool:
		if ev.Result.Failed() {
			break
		}
		if n := h.recordSearch(ev.Result.Output); n > 0 {
			h.logger.Debug("search urls recorded", "count", n)
		}

	case browserTool:
		return h.handleBrowser(ctx, ev)
	}
	return dispatch.HookOutcome{}
}

func (h *ResearchHook) handleBrowser(ctx context.Context, ev dispatch.ToolEvent) dispatch.HookOutcome {
	action := tools.StringArg(ev.Args, "action")
	if action == "navigate" {
		if url := tools.StringArg(ev.Args, "url"); url != "" {
			h.recordAttempt(url)
		}
	}
	if action != "get_text" && action != "get_html" && action != "navigate" {
		return dispatch.HookOutcome{}
	}

	if ev.Result.Failed() || dispatch.HasFailureMarker(ev.Result.Output) {
		note := prompts.NoAlternativeURLs
		if next, ok := h.nextURL(); ok {
			note = prompts.AlternativeURL(next)
			h.logger.Info("suggesting alternative url", "url", next)
		}
		return dispatch.HookOutcome{Notes: []string{note}}
	}

	if action == "navigate" || h.processor == nil || len(ev.Result.Output) <= h.threshold {
		return dispatch.HookOutcome{}
	}

	content := ev.Result.Output
	contentType := chunking.TypeAuto
	if action == "get_html" {
		contentType = chunking.TypeHTML
	}
	h.logger.Info("condensing large page",
		"action", action,
		"content_len", len(content),
		"threshold", h.threshold,
	)
	answer, err := h.processor.Process(ctx, content, ev.Scope.Request, contentType, map[string]any{
		"source": browserTool,
		"action": action,
		"run_id": ev.Scope.RunID,
	})
	if err != nil {
		h.logger.Warn("chunked processing failed", "error", err)
		return dispatch.HookOutcome{Output: prompts.ChunkingFailed(err, truncate(content, chunkFailureExcerpt))}
	}
	return dispatch.HookOutcome{Output: prompts.ChunkedContent(answer)}
}

// Cleanup releases the browser and forgets the run's URLs.
func (h *ResearchHook) Cleanup(ctx context.Context) error {
	h.mu.Lock()
	h.available = nil
	h.tried = nil
	h.mu.Unlock()
	if h.browser != nil {
		return h.browser.Cleanup(ctx)
	}
	return nil
}

// URLs returns the search result URLs not yet tried.
func (h *ResearchHook) URLs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, u := range h.available {
		if !slices.Contains(h.tried, u) {
			out = append(out, u)
		}
	}
	return out
}

var urlRE = regexp.MustCompile(`https?://[^\s'"<>\])]+`)

// recordSearch replaces the known URLs with those in a search result.
// A result with no URLs keeps the previous list.
func (h *ResearchHook) recordSearch(output string) int {
	urls := extractURLs(output)
	if len(urls) == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = urls
	return len(urls)
}

func (h *ResearchHook) recordAttempt(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !slices.Contains(h.tried, url) {
		h.tried = append(h.tried, url)
	}
}

// nextURL returns the first untried URL and marks it tried.
func (h *ResearchHook) nextURL() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.available {
		if !slices.Contains(h.tried, u) {
			h.tried = append(h.tried, u)
			return u, true
		}
	}
	return "", false
}

// extractURLs reads URLs from a search result, which is either a JSON
// array of URLs or free text.
func extractURLs(output string) []string {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
			var urls []string
			for _, u := range list {
				if strings.HasPrefix(u, "http") && !slices.Contains(urls, u) {
					urls = append(urls, u)
				}
			}
			if len(urls) > 0 {
				return urls
			}
		}
	}

	var urls []string
	for _, m := range urlRE.FindAllString(output, -1) {
		u := strings.TrimRight(m, ",.;:")
		if !slices.Contains(urls, u) {
			urls = append(urls, u)
		}
	}
	return urls
}
