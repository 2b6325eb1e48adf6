// Package dispatch executes tool calls against the tool registry and
// turns each outcome into the observation text the model reads next.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/tools"
)

// failureMarkers flag a tool's plain-text output as a failure even when
// the tool did not return an error.
var failureMarkers = []string{"error:", "unknown action:", "failed", "not supported"}

// Scope carries the request-scoped values a dispatch needs.
type Scope struct {
	RunID   string
	Request string
}

// Outcome is the classified result of one call.
type Outcome struct {
	// Observation is the text appended to memory as the tool message.
	Observation string
	Success     bool

	// Finish asks the run loop to stop after this call. Answer holds
	// the final answer when the call was terminate.
	Finish bool
	Answer string

	// Notes are system messages the caller should append after the
	// tool message.
	Notes []string
}

// ToolEvent is what a SpecialToolHook sees after each call.
type ToolEvent struct {
	Name   string
	Args   map[string]any
	Result tools.Result
	Scope  Scope
}

// HookOutcome is a hook's reaction to one call.
type HookOutcome struct {
	// Output, when non-empty, replaces the tool's output.
	Output string
	// Finish ends the run after this call.
	Finish bool
	// Notes are system messages to add to memory.
	Notes []string
}

// SpecialToolHook reacts to specific tool results: releasing resources
// on terminate, harvesting URLs from searches, condensing oversized
// pages. It runs after every call, success or failure.
type SpecialToolHook interface {
	HandleToolResult(ctx context.Context, ev ToolEvent) HookOutcome
}

// Failure records a failed call for later replanning.
type Failure struct {
	Tool  string
	Error string
}

// Dispatcher runs tool calls.
type Dispatcher struct {
	registry *tools.Registry
	hook     SpecialToolHook
	bus      *events.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	failures []Failure
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHook installs a SpecialToolHook.
func WithHook(h SpecialToolHook) Option {
	return func(d *Dispatcher) { d.hook = h }
}

// WithBus publishes tool_call and tool_done events to bus.
func WithBus(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher over registry.
func New(registry *tools.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

// Execute runs one call. It never returns an error: every failure mode,
// including a panicking tool, becomes a failed Outcome.
func (d *Dispatcher) Execute(ctx context.Context, call llm.ToolCall, scope Scope) Outcome {
	name := strings.TrimSpace(call.Function.Name)
	if name == "" {
		return Outcome{Observation: "Error: Invalid command format"}
	}

	log := d.logger.With("tool", name, "call_id", call.ID)
	d.bus.Emit(events.SourceDispatch, events.KindToolCall, map[string]any{
		"run_id":  scope.RunID,
		"tool":    name,
		"call_id": call.ID,
	})
	start := time.Now()

	out := d.execute(ctx, name, call, scope, log)

	elapsed := time.Since(start)
	d.bus.Emit(events.SourceDispatch, events.KindToolDone, map[string]any{
		"run_id":      scope.RunID,
		"tool":        name,
		"call_id":     call.ID,
		"ok":          out.Success,
		"duration_ms": elapsed.Milliseconds(),
	})
	log.Debug("tool executed",
		"ok", out.Success,
		"finish", out.Finish,
		"elapsed", elapsed.Round(time.Millisecond),
		"observation_len", len(out.Observation),
	)
	return out
}

func (d *Dispatcher) execute(ctx context.Context, name string, call llm.ToolCall, scope Scope, log *slog.Logger) Outcome {
	args, err := arguments(call.Function)
	if err != nil {
		if name == tools.TerminateName {
			return d.terminateFallback(ctx, scope, log, err)
		}
		msg := fmt.Sprintf("Error parsing arguments for %s: invalid JSON format", name)
		d.recordFailure(name, msg)
		return Outcome{Observation: msg}
	}

	if !d.registry.Has(name) {
		msg := fmt.Sprintf("Error: Unknown tool '%s'", name)
		d.recordFailure(name, msg)
		return Outcome{Observation: msg}
	}

	res, err := d.invoke(ctx, name, args)
	if err != nil {
		if name == tools.TerminateName {
			return d.terminateFallback(ctx, scope, log, err)
		}
		msg := fmt.Sprintf("Error: Tool '%s' encountered a problem: %v", name, err)
		log.Warn("tool invocation failed", "error", err)
		d.recordFailure(name, err.Error())
		return Outcome{Observation: msg}
	}
	if name == tools.TerminateName && res.Failed() {
		return d.terminateFallback(ctx, scope, log, fmt.Errorf("%s", res.Error))
	}

	var hook HookOutcome
	if d.hook != nil {
		hook = d.hook.HandleToolResult(ctx, ToolEvent{Name: name, Args: args, Result: res, Scope: scope})
		if hook.Output != "" {
			res.Output = hook.Output
		}
	}

	if name == tools.TerminateName {
		return Outcome{
			Observation: completion(res.Output),
			Success:     true,
			Finish:      true,
			Answer:      res.Output,
			Notes:       hook.Notes,
		}
	}

	out := Outcome{
		Observation: render(name, res),
		Success:     !res.Failed() && !HasFailureMarker(res.Output),
		Finish:      hook.Finish,
		Notes:       hook.Notes,
	}
	if !out.Success {
		errText := res.Error
		if errText == "" {
			errText = res.Output
		}
		d.recordFailure(name, errText)
	}
	return out
}

// invoke calls the tool, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (res tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				"tool", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.registry.Invoke(ctx, name, args)
}

// terminateFallback retries terminate with default arguments so a
// malformed call can never keep the run from ending.
func (d *Dispatcher) terminateFallback(ctx context.Context, scope Scope, log *slog.Logger, cause error) Outcome {
	log.Warn("terminate call malformed, using defaults", "error", cause)
	answer := tools.DefaultCompletion
	if d.registry.Has(tools.TerminateName) {
		args := map[string]any{"status": tools.StatusCompleted}
		if res, err := d.invoke(ctx, tools.TerminateName, args); err == nil && !res.Failed() && res.Output != "" {
			answer = res.Output
		}
	}
	if d.hook != nil {
		d.hook.HandleToolResult(ctx, ToolEvent{
			Name:   tools.TerminateName,
			Args:   map[string]any{"status": tools.StatusCompleted},
			Result: tools.Result{Output: answer},
			Scope:  scope,
		})
	}
	return Outcome{Observation: completion(answer), Success: true, Finish: true, Answer: answer}
}

// Failures returns the failed calls recorded since the last Reset.
func (d *Dispatcher) Failures() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Failure, len(d.failures))
	copy(out, d.failures)
	return out
}

// ResetFailures clears the failure record.
func (d *Dispatcher) ResetFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = nil
}

func (d *Dispatcher) recordFailure(name, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, Failure{Tool: name, Error: msg})
}

// HasFailureMarker reports whether output reads like an error report.
func HasFailureMarker(output string) bool {
	lower := strings.ToLower(output)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// arguments returns the call's arguments as a map, decoding the raw
// JSON string when the provider left it undecoded.
func arguments(fc llm.FunctionCall) (map[string]any, error) {
	if fc.Arguments != nil {
		return fc.Arguments, nil
	}
	raw := strings.TrimSpace(fc.Raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func render(name string, res tools.Result) string {
	text := res.String()
	if strings.TrimSpace(text) == "" {
		return fmt.Sprintf("Cmd `%s` completed with no output", name)
	}
	return fmt.Sprintf("Observed output of cmd `%s` executed:\n%s", name, text)
}

func completion(answer string) string {
	if answer == "" || answer == tools.DefaultCompletion {
		return tools.DefaultCompletion
	}
	return tools.DefaultCompletion + " " + answer
}
