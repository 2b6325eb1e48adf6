package chunking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
)

// ErrNoResults is returned when every chunk failed.
var ErrNoResults = errors.New("no chunk produced a result")

// Asker is the model capability the pipeline needs.
type Asker interface {
	Ask(ctx context.Context, messages, system []llm.Message) (string, error)
}

// Config bounds the pipeline.
type Config struct {
	// TokenLimit is the estimated token count (len/4) above which
	// content is chunked.
	TokenLimit int
	// ChunkSize is the maximum chunk length in bytes, overlap included.
	ChunkSize int
	// Overlap is the number of bytes each chunk shares with the next.
	Overlap int
	// MaxChunks caps the chunk count. Excess chunks are dropped.
	MaxChunks int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{TokenLimit: 7000, ChunkSize: 6000, Overlap: 500, MaxChunks: 5}
}

// Pipeline answers queries over content of any size.
type Pipeline struct {
	asker  Asker
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	newID  func() string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBus publishes a chunk event per processed chunk.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New creates a Pipeline. Zero config fields take their defaults.
func New(asker Asker, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.TokenLimit <= 0 {
		cfg.TokenLimit = def.TokenLimit
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.ChunkSize {
		cfg.Overlap = min(def.Overlap, cfg.ChunkSize/4)
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = def.MaxChunks
	}
	p := &Pipeline{
		asker: asker,
		cfg:   cfg,
		newID: func() string { return uuid.NewString()[:8] },
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// EstimateTokens approximates a token count as one token per four
// bytes.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// NeedsChunking reports whether content exceeds the token limit.
func (p *Pipeline) NeedsChunking(content string) bool {
	return EstimateTokens(content) > p.cfg.TokenLimit
}

// Split chunks content without processing it. It returns the strategy
// used. The chunk count is capped at MaxChunks.
func (p *Pipeline) Split(content, contentType string, metadata map[string]any) ([]Chunk, string) {
	if contentType == "" || contentType == TypeAuto {
		contentType = DetectContentType(content)
	}
	strategy := StrategyFor(contentType, p.cfg.ChunkSize-p.cfg.Overlap)

	meta := map[string]any{"content_type": contentType, "strategy": strategy.Name()}
	for k, v := range metadata {
		meta[k] = v
	}

	segs := strategy.Split(content)
	if len(segs) > p.cfg.MaxChunks {
		p.logger.Warn("chunk count exceeds limit, truncating",
			"chunks", len(segs),
			"max", p.cfg.MaxChunks,
			"dropped_bytes", len(strings.Join(segs[p.cfg.MaxChunks:], "")),
		)
		segs = segs[:p.cfg.MaxChunks]
	}
	return assemble(segs, p.cfg.Overlap, meta, p.newID), strategy.Name()
}

// Process answers query over content. Content under the token limit
// goes to the model in one call. Larger content is split and processed
// chunk by chunk, each call carrying a bounded summary of the results
// so far; the last chunk's answer is the result.
func (p *Pipeline) Process(ctx context.Context, content, query, contentType string, metadata map[string]any) (string, error) {
	if !p.NeedsChunking(content) {
		out, err := p.asker.Ask(ctx, []llm.Message{llm.UserMessage(prompts.DirectContentPrompt(content, query))}, nil)
		if err != nil {
			return "", fmt.Errorf("process content: %w", err)
		}
		return strings.TrimSpace(out), nil
	}

	start := time.Now()
	chunks, strategy := p.Split(content, contentType, metadata)
	ctype, _ := chunks[0].Metadata["content_type"].(string)
	log := p.logger.With("chunks", len(chunks), "strategy", strategy, "content_len", len(content))
	log.Info("processing content in chunks")

	system := []llm.Message{llm.SystemMessage(prompts.ChunkSystemPrompt(ctype, len(chunks)))}
	var results []string
	var final string
	var lastErr error

	for _, c := range chunks {
		p.bus.Emit(events.SourceChunking, events.KindChunk, map[string]any{
			"chunk_id": c.ID,
			"index":    c.Index,
			"total":    c.Total,
			"strategy": strategy,
		})

		prompt := prompts.ChunkPrompt(query, c.Content, summarize(results), c.Index, c.Total, c.IsLast)
		out, err := p.asker.Ask(ctx, []llm.Message{llm.UserMessage(prompt)}, system)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			log.Warn("chunk failed", "index", c.Index, "chunk_id", c.ID, "error", err)
			continue
		}
		out = strings.TrimSpace(out)
		if c.IsLast {
			final = out
		} else {
			results = append(results, out)
		}
	}

	if final == "" {
		if len(results) == 0 {
			if lastErr == nil {
				return "", ErrNoResults
			}
			return "", fmt.Errorf("%w: %w", ErrNoResults, lastErr)
		}
		final = p.synthesize(ctx, query, results, system, log)
	}

	log.Info("chunked processing complete",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"result_len", len(final),
	)
	return final, nil
}

// synthesize combines intermediate results when the last chunk gave no
// answer, falling back to the latest intermediate result.
func (p *Pipeline) synthesize(ctx context.Context, query string, results []string, system []llm.Message, log *slog.Logger) string {
	out, err := p.asker.Ask(ctx, []llm.Message{llm.UserMessage(prompts.SynthesisPrompt(query, results))}, system)
	if err != nil || strings.TrimSpace(out) == "" {
		log.Warn("synthesis failed, using last intermediate result", "error", err)
		return results[len(results)-1]
	}
	return strings.TrimSpace(out)
}

// summarize renders prior chunk results as context for the next chunk:
// verbatim for up to two results, otherwise a count plus the last two.
func summarize(results []string) string {
	switch n := len(results); {
	case n == 0:
		return ""
	case n <= 2:
		return strings.Join(results, "\n\n")
	default:
		return fmt.Sprintf("%d chunks analyzed so far. Most recent findings:\n\n%s\n\n%s",
			n, results[n-2], results[n-1])
	}
}
