package llm

import (
	"encoding/json"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation. An empty Content is the
// "no content" case for assistant messages that only carry tool calls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant message with optional tool calls.
func AssistantMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage builds the result message for one tool call.
func ToolMessage(content, name, callID string) Message {
	return Message{Role: RoleTool, Content: content, ToolName: name, ToolCallID: callID}
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments. Providers that
// deliver arguments as a JSON string which fails to decode leave
// Arguments nil and keep the original text in Raw.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Raw       string         `json:"-"`
}

// NewToolCall builds a ToolCall.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Function: FunctionCall{Name: name, Arguments: args}}
}

// DecodeArguments turns a provider's JSON-string arguments into a
// FunctionCall, keeping the raw text when it does not decode to an
// object.
func DecodeArguments(name, raw string) FunctionCall {
	fc := FunctionCall{Name: name}
	if raw == "" {
		fc.Arguments = map[string]any{}
		return fc
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		fc.Raw = raw
		return fc
	}
	fc.Arguments = args
	return fc
}

// ToolChoice controls whether the model may, must, or must not call
// tools.
type ToolChoice string

// Tool choice modes.
const (
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ParseToolChoice maps a config value to a ToolChoice, defaulting to
// auto.
func ParseToolChoice(s string) ToolChoice {
	switch ToolChoice(s) {
	case ToolChoiceNone, ToolChoiceRequired:
		return ToolChoice(s)
	}
	return ToolChoiceAuto
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	// Duration is the provider-reported or wall-clock generation time.
	Duration time.Duration
}

// encodeArguments renders a call's arguments as the JSON string that
// OpenAI-style providers expect.
func encodeArguments(fc FunctionCall) string {
	if fc.Arguments == nil {
		if fc.Raw != "" {
			return fc.Raw
		}
		return "{}"
	}
	b, err := json.Marshal(fc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// PairToolResults rewrites tool messages whose call id was never issued
// by an earlier assistant message as user text. Memory resets can drop
// the assistant turn that issued a call while keeping its result, and
// providers reject results without a matching call.
func PairToolResults(msgs []Message) []Message {
	issued := make(map[string]bool)
	var out []Message
	for i, m := range msgs {
		switch {
		case m.Role == RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					issued[tc.ID] = true
				}
			}
		case m.Role == RoleTool && (m.ToolCallID == "" || !issued[m.ToolCallID]):
			if out == nil {
				out = append(make([]Message, 0, len(msgs)), msgs[:i]...)
			}
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			out = append(out, UserMessage("[tool result "+name+"] "+m.Content))
			continue
		}
		if out != nil {
			out = append(out, m)
		}
	}
	if out == nil {
		return msgs
	}
	return out
}
