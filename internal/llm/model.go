package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/usage"
)

// ErrNoToolCalls is returned by AskTool when the tool choice is
// required and the model answered without calling a tool.
var ErrNoToolCalls = errors.New("model returned no tool calls")

// Model binds a Client to one configured model and its sampling
// parameters.
type Model struct {
	client      Client
	name        string
	provider    string
	temperature float64
	maxTokens   int
	pricing     config.PricingEntry
	usage       UsageRecorder
	logger      *slog.Logger
}

// UsageRecorder receives token usage for every successful call.
// *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) ModelOption {
	return func(m *Model) { m.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) ModelOption {
	return func(m *Model) { m.maxTokens = n }
}

// WithProvider labels usage records with the provider name.
func WithProvider(name string) ModelOption {
	return func(m *Model) { m.provider = name }
}

// WithPricing prices calls for usage records.
func WithPricing(p config.PricingEntry) ModelOption {
	return func(m *Model) { m.pricing = p }
}

// WithUsage records token usage for every call.
func WithUsage(r UsageRecorder) ModelOption {
	return func(m *Model) { m.usage = r }
}

// WithModelLogger sets the logger used for per-call diagnostics.
func WithModelLogger(l *slog.Logger) ModelOption {
	return func(m *Model) { m.logger = l }
}

// NewModel binds client to the provider model called name.
func NewModel(client Client, name string, opts ...ModelOption) *Model {
	m := &Model{client: client, name: name}
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Name returns the provider model name.
func (m *Model) Name() string { return m.name }

// Client returns the underlying provider client.
func (m *Model) Client() Client { return m.client }

// Ask sends system followed by messages and returns the reply text.
func (m *Model) Ask(ctx context.Context, messages, system []Message) (string, error) {
	resp, err := m.chat(ctx, messages, system, nil, ToolChoiceNone)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// AskTool sends the conversation with the given tool schemas and
// returns the assistant message, which may carry tool calls.
func (m *Model) AskTool(ctx context.Context, messages, system []Message, tools []map[string]any, choice ToolChoice) (*Message, error) {
	if choice == ToolChoiceNone {
		tools = nil
	}
	resp, err := m.chat(ctx, messages, system, tools, choice)
	if err != nil {
		return nil, err
	}
	msg := resp.Message
	msg.Role = RoleAssistant
	if choice == ToolChoiceRequired && len(msg.ToolCalls) == 0 {
		return &msg, ErrNoToolCalls
	}
	return &msg, nil
}

func (m *Model) chat(ctx context.Context, messages, system []Message, tools []map[string]any, choice ToolChoice) (*ChatResponse, error) {
	all := make([]Message, 0, len(system)+len(messages))
	all = append(all, system...)
	all = append(all, messages...)
	all = PairToolResults(all)

	start := time.Now()
	resp, err := m.client.Chat(ctx, &ChatRequest{
		Model:       m.name,
		Messages:    all,
		Tools:       tools,
		ToolChoice:  choice,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	})
	if err != nil {
		m.logger.Warn("model call failed",
			"model", m.name,
			"messages", len(all),
			"error", err,
		)
		return nil, fmt.Errorf("model %s: %w", m.name, err)
	}

	m.logger.Debug("model call",
		"model", m.name,
		"messages", len(all),
		"tools", len(tools),
		"tool_calls", len(resp.Message.ToolCalls),
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	if m.usage != nil {
		rec := usage.Record{
			Model:        m.name,
			Provider:     m.provider,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      usage.ComputeCost(resp.InputTokens, resp.OutputTokens, m.pricing),
			Duration:     time.Since(start),
		}
		if err := m.usage.Record(ctx, rec); err != nil {
			m.logger.Warn("usage record failed", "model", m.name, "error", err)
		}
	}
	return resp, nil
}
