// Package llm talks to language-model backends. Each provider
// implements [Client]; a [Model] binds a client to one configured model
// and exposes the two calls the agent makes; the [Registry] owns every
// configured Model and hands them out by name.
package llm

import "context"

// Client is the interface that all model providers implement.
type Client interface {
	// Chat sends one non-streaming completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Ping checks that the provider is reachable and authorized.
	Ping(ctx context.Context) error
}

// ChatRequest is the provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []map[string]any
	ToolChoice  ToolChoice
	Temperature float64
	MaxTokens   int
}
