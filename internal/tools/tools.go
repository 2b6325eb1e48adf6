// Package tools holds the registry of capabilities the agent can
// invoke by name, and the built-in terminate tool.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Handler executes a tool. A returned error becomes the Error field of
// the tool's Result; it does not abort the run.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable capability.
type Tool struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
	Handler     Handler

	// Cleanup, when set, releases resources the tool holds between
	// calls (browser sessions, connections). It must be idempotent.
	Cleanup func(ctx context.Context) error
}

// Result is the structured outcome of one invocation. A non-empty
// Error marks the call as failed.
type Result struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the tool reported an error.
func (r Result) Failed() bool { return r.Error != "" }

// String renders the result as the text the model sees.
func (r Result) String() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	return r.Output
}

// Cleaner is implemented by anything holding resources that must be
// released once a run ends.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Registry maps tool names to tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool is registered under name.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns OpenAI-style function definitions for every tool,
// sorted by name.
func (r *Registry) Schemas() []map[string]any {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return out
}

// Invoke runs the named tool. Unknown names return
// *ErrToolUnavailable; handler errors are reported in the Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (Result, error) {
	t := r.Get(name)
	if t == nil {
		return Result{}, &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.Handler(ctx, args)
	if err != nil {
		return Result{Output: out, Error: err.Error()}, nil
	}
	return Result{Output: out}, nil
}

// Cleanup releases every tool's resources and returns the combined
// error.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.RLock()
	var fns []func(context.Context) error
	var names []string
	for n, t := range r.tools {
		if t.Cleanup != nil {
			fns = append(fns, t.Cleanup)
			names = append(names, n)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for i, fn := range fns {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

// StringArg returns args[key] as a trimmed string.
func StringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// IntArg returns args[key] as an int, accepting JSON numbers and
// numeric strings.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
