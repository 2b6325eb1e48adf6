// Package agent runs one task end to end: it asks the model for the
// next action, executes the resulting tool calls, feeds the results
// back, and decides when to stop. Every run ends in a bounded number of
// steps through terminate, the error budget, stuck escalation, or the
// step ceiling.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/phrasebook"
	"github.com/nugget/steward/internal/stuck"
	"github.com/nugget/steward/internal/toolparse"
	"github.com/nugget/steward/internal/tools"
	"github.com/nugget/steward/internal/usage"
)

// errToolCallRequired is the step error when the tool choice is
// required and the model produced no call.
var errToolCallRequired = errors.New("tool calls required but none provided")

// reasonPanic marks a run that unwound from a panic.
const reasonPanic = "panic"

// Model is the model backend the agent drives. *llm.Model satisfies it.
type Model interface {
	Ask(ctx context.Context, messages, system []llm.Message) (string, error)
	AskTool(ctx context.Context, messages, system []llm.Message, tools []map[string]any, choice llm.ToolChoice) (*llm.Message, error)
}

// Transcript records runs. *memory.TranscriptStore satisfies it.
type Transcript interface {
	StartRun(ctx context.Context, id, request, model string) error
	FinishRun(ctx context.Context, id, status, result string, steps int) error
	AppendMessage(ctx context.Context, runID string, msg llm.Message) error
	RecordToolCall(ctx context.Context, rec memory.ToolCallRecord) error
}

// Budget holds the counters bounding a run. All are reset when a run
// starts.
type Budget struct {
	Steps  int
	Errors int
	Stuck  int
}

// RunInfo describes the most recent run.
type RunInfo struct {
	ID      string
	Steps   int
	Stuck   int
	Reason  string
	Elapsed time.Duration
}

// Agent executes tasks. One agent runs one task at a time; its memory
// persists across runs so a session can continue a conversation.
type Agent struct {
	cfg        Config
	model      Model
	modelName  string
	registry   *tools.Registry
	dispatcher *dispatch.Dispatcher
	interp     *toolparse.Interpreter
	detector   *stuck.Detector
	planner    *Planner
	hook       dispatch.SpecialToolHook
	memory     *memory.Memory
	transcript Transcript
	bus        *events.Bus
	logger     *slog.Logger
	newID      func() string

	mu    sync.RWMutex
	state State
	info  RunInfo

	// Per-run state, touched only by the goroutine inside Run.
	budget      Budget
	totalSteps  int
	runStart    int
	reason      string
	pending     []llm.ToolCall
	stuckPrompt string
	toolHistory []string
}

// Option configures an Agent.
type Option func(*Agent)

// WithConfig sets the run limits.
func WithConfig(c Config) Option {
	return func(a *Agent) { a.cfg = c }
}

// WithHook installs the special-tool hook. A hook that also implements
// tools.Cleaner is cleaned up at the end of every run.
func WithHook(h dispatch.SpecialToolHook) Option {
	return func(a *Agent) { a.hook = h }
}

// WithPhrasebook replaces the embedded phrase and pattern tables.
func WithPhrasebook(pb *phrasebook.Phrasebook) Option {
	return func(a *Agent) {
		a.detector = stuck.New(pb)
		a.interp = toolparse.New(pb, toolparse.WithKnownTools(a.registry.Has))
	}
}

// WithMemory shares an existing memory.
func WithMemory(m *memory.Memory) Option {
	return func(a *Agent) { a.memory = m }
}

// WithTranscript records every run.
func WithTranscript(t Transcript) Option {
	return func(a *Agent) { a.transcript = t }
}

// WithBus publishes run events.
func WithBus(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithModelName labels runs in the transcript and events.
func WithModelName(name string) Option {
	return func(a *Agent) { a.modelName = name }
}

// WithIDs replaces the run and call id generator.
func WithIDs(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// New creates an agent that drives model with the tools in registry.
// The terminate tool is registered if missing.
func New(model Model, registry *tools.Registry, opts ...Option) *Agent {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if !registry.Has(tools.TerminateName) {
		registry.Register(tools.NewTerminate())
	}

	a := &Agent{
		cfg:      DefaultConfig(),
		model:    model,
		registry: registry,
		memory:   memory.New(),
		newID:    func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(a)
	}
	a.cfg = a.cfg.normalize()
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.detector == nil {
		a.detector = stuck.New(phrasebook.Default())
	}
	if a.interp == nil {
		a.interp = toolparse.New(phrasebook.Default(), toolparse.WithKnownTools(registry.Has))
	}
	if a.cfg.Planning {
		a.planner = NewPlanner(model, a.logger)
	}

	dopts := []dispatch.Option{dispatch.WithBus(a.bus), dispatch.WithLogger(a.logger)}
	if a.hook != nil {
		dopts = append(dopts, dispatch.WithHook(a.hook))
	}
	a.dispatcher = dispatch.New(registry, dopts...)
	return a
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// Memory returns the agent's message log.
func (a *Agent) Memory() *memory.Memory { return a.memory }

// LastRun describes the most recent completed run.
func (a *Agent) LastRun() RunInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Run executes request to completion and returns the user-facing
// result. It fails only when the agent is not idle or ctx is cancelled;
// every other problem is reported in the returned text.
func (a *Agent) Run(ctx context.Context, request string) (result string, err error) {
	a.mu.Lock()
	if a.state != StateIdle {
		s := a.state
		a.mu.Unlock()
		return "", &InvalidStateError{State: s}
	}
	prev := a.state
	a.state = StateRunning
	a.mu.Unlock()

	runID := a.newID()
	ctx = usage.WithRun(ctx, runID)
	log := a.logger.With("run_id", runID)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			a.setState(StateError)
			log.Error("run panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			a.reason = reasonPanic
			result, err = "", fmt.Errorf("agent run panicked: %v", r)
		}
		a.complete(runID, result, start, log)
		a.setState(prev)
	}()

	a.budget = Budget{}
	a.totalSteps = 0
	a.runStart = a.memory.Len()
	a.reason = ""
	a.toolHistory = nil
	a.stuckPrompt = ""
	a.dispatcher.ResetFailures()

	if a.transcript != nil {
		if err := a.transcript.StartRun(ctx, runID, request, a.modelName); err != nil {
			log.Warn("transcript start failed", "error", err)
		}
	}
	a.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"run_id":      runID,
		"request_len": len(request),
		"model":       a.modelName,
	})
	log.Info("run started", "request_len", len(request), "planning", a.planner != nil)

	scope := dispatch.Scope{RunID: runID, Request: request}
	if request != "" {
		a.remember(ctx, runID, llm.UserMessage(request))
	}

	if a.planner == nil {
		result = a.loop(ctx, scope, a.cfg.systemPrompt(a.registry.Names()))
	} else {
		result = a.planned(ctx, scope)
	}

	a.cleanup(ctx, log)
	if a.reason == ReasonCancelled {
		return result, ctx.Err()
	}
	return result, nil
}

// complete records the end of a run.
func (a *Agent) complete(runID, result string, start time.Time, log *slog.Logger) {
	elapsed := time.Since(start)
	a.mu.Lock()
	a.info = RunInfo{ID: runID, Steps: a.totalSteps, Stuck: a.budget.Stuck, Reason: a.reason, Elapsed: elapsed}
	a.mu.Unlock()

	if a.transcript != nil {
		status := memory.RunFinished
		if a.reason == reasonPanic || a.reason == ReasonCancelled {
			status = memory.RunFailed
		}
		// The run context may already be cancelled.
		if err := a.transcript.FinishRun(context.Background(), runID, status, result, a.totalSteps); err != nil {
			log.Warn("transcript finish failed", "error", err)
		}
	}
	a.bus.Emit(events.SourceAgent, events.KindRunComplete, map[string]any{
		"run_id":     runID,
		"steps":      a.totalSteps,
		"reason":     a.reason,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	log.Info("run complete",
		"steps", a.totalSteps,
		"stuck_count", a.budget.Stuck,
		"reason", a.reason,
		"elapsed", elapsed.Round(time.Millisecond),
		"result_len", len(result),
	)
}

// finish ends the loop after the current step.
func (a *Agent) finish(reason string) {
	if a.reason == "" {
		a.reason = reason
	}
	a.setState(StateFinished)
}

// remember appends messages to memory and the transcript.
func (a *Agent) remember(ctx context.Context, runID string, msgs ...llm.Message) {
	a.memory.Append(msgs...)
	if a.transcript == nil {
		return
	}
	for _, m := range msgs {
		if err := a.transcript.AppendMessage(ctx, runID, m); err != nil {
			a.logger.Debug("transcript append failed", "run_id", runID, "error", err)
		}
	}
}

// cleanup releases tool resources and the hook's resources. It runs
// once per run whatever the exit path.
func (a *Agent) cleanup(ctx context.Context, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := a.registry.Cleanup(ctx); err != nil {
		log.Warn("tool cleanup failed", "error", err)
	}
	if c, ok := a.hook.(tools.Cleaner); ok {
		if err := c.Cleanup(ctx); err != nil {
			log.Warn("hook cleanup failed", "error", err)
		}
	}
}
