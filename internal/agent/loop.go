package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/stuck"
	"github.com/nugget/steward/internal/tools"
)

// loop runs steps under system until something stops the run, and
// returns the joined step results.
func (a *Agent) loop(ctx context.Context, scope dispatch.Scope, system string) string {
	a.budget = Budget{}
	a.stuckPrompt = ""
	a.setState(StateRunning)

	sys := []llm.Message{llm.SystemMessage(system)}
	hardStop := 2 * a.cfg.MaxSteps
	var results []string

	for a.State() == StateRunning {
		if ctx.Err() != nil {
			a.finish(ReasonCancelled)
			break
		}
		if a.budget.Steps >= a.cfg.MaxSteps {
			if a.budget.Steps >= hardStop {
				results = append(results, prompts.StepLimit)
				a.finish(ReasonStepLimit)
				break
			}
			if !stuck.Progressing(a.toolHistory, a.cfg.ProgressWindow, a.cfg.ProgressMinDistinct) {
				a.logger.Warn("step limit reached without progress",
					"run_id", scope.RunID,
					"steps", a.budget.Steps,
				)
				results = append(results, prompts.NoProgress)
				a.finish(ReasonNoProgress)
				break
			}
		}

		a.budget.Steps++
		a.totalSteps++
		step := a.budget.Steps

		out, err := a.step(ctx, scope, sys)
		if err != nil {
			if ctx.Err() != nil {
				a.finish(ReasonCancelled)
				break
			}
			a.budget.Errors++
			a.logger.Warn("step failed",
				"run_id", scope.RunID,
				"step", step,
				"consecutive_errors", a.budget.Errors,
				"error", err,
			)
			results = append(results, fmt.Sprintf("Step %d Error: %v", step, err))
			a.remember(ctx, scope.RunID, llm.SystemMessage(prompts.StepError(step, err)))
			if a.budget.Errors >= a.cfg.MaxConsecutiveErrors {
				results = append(results, prompts.TooManyErrors(a.budget.Errors, err))
				a.finish(ReasonErrors)
			}
			continue
		}
		a.budget.Errors = 0

		if r, ok := cleanResult(out); ok {
			results = append(results, r)
		}
		if a.State() != StateRunning {
			break
		}
		if answer, done := a.checkStuck(ctx, scope, step); done {
			results = append(results, answer)
			a.finish(ReasonStuck)
		}
	}

	return summarize(results)
}

// checkStuck applies stuck escalation after a successful step. It
// returns the forced answer when the run must end.
func (a *Agent) checkStuck(ctx context.Context, scope dispatch.Scope, step int) (string, bool) {
	msgs := a.memory.Messages()
	reason := a.detector.Check(msgs)
	if reason == stuck.NotStuck {
		return "", false
	}

	a.budget.Stuck++
	count := a.budget.Stuck
	a.bus.Emit(events.SourceAgent, events.KindStuck, map[string]any{
		"run_id":      scope.RunID,
		"step":        step,
		"stuck_count": count,
	})
	a.logger.Warn("run looks stuck",
		"run_id", scope.RunID,
		"step", step,
		"reason", reason,
		"stuck_count", count,
	)

	if count >= a.cfg.StuckTerminateAt {
		if best, ok := stuck.BestAnswer(msgs, stuck.InjectMinLen, []string{searchTool}); ok {
			return prompts.ForcedAnswer(best), true
		}
		return prompts.LoopDetected, true
	}

	rem := stuck.Remediate(count, msgs)
	a.stuckPrompt = rem.Prompt

	if count >= a.cfg.StuckResetAt {
		kept := stuck.Reset(msgs, stuck.DefaultResetPolicy(), prompts.MemoryResetDirective)
		a.memory.Replace(kept)
		a.bus.Emit(events.SourceAgent, events.KindMemoryReset, map[string]any{
			"run_id":  scope.RunID,
			"kept":    len(kept),
			"dropped": len(msgs) - len(kept) + 1,
		})
		a.logger.Info("memory reset", "run_id", scope.RunID, "kept", len(kept), "before", len(msgs))
		return "", false
	}
	if rem.Inject != "" {
		a.remember(ctx, scope.RunID, llm.SystemMessage(rem.Inject))
	}
	return "", false
}

// step runs one think/act cycle. A panic inside the cycle is a step
// error.
func (a *Agent) step(ctx context.Context, scope dispatch.Scope, sys []llm.Message) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("step panicked",
				"run_id", scope.RunID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			a.pending = nil
			out, err = "", fmt.Errorf("step panicked: %v", r)
		}
	}()

	act, err := a.think(ctx, scope, sys)
	if err != nil {
		return "", err
	}
	if !act {
		return prompts.NoAction, nil
	}
	return a.act(ctx, scope)
}

// think asks the model for the next action and records its reply. It
// reports whether there is anything to act on.
func (a *Agent) think(ctx context.Context, scope dispatch.Scope, sys []llm.Message) (bool, error) {
	next := prompts.NextStepPrompt("")
	if a.stuckPrompt != "" {
		next = a.stuckPrompt + "\n" + next
	}
	// The directive rides along with each call instead of being stored,
	// so memory holds only the real conversation.
	msgs := append(a.memory.Messages(), llm.UserMessage(next))

	choice := a.cfg.ToolChoice
	resp, err := a.model.AskTool(ctx, msgs, sys, a.registry.Schemas(), choice)
	if err != nil && !(errors.Is(err, llm.ErrNoToolCalls) && resp != nil) {
		return false, fmt.Errorf("model call: %w", err)
	}
	if resp == nil {
		return false, errors.New("model call: empty response")
	}

	content := resp.Content
	calls := resp.ToolCalls
	recovered := false
	switch {
	case choice == llm.ToolChoiceNone:
		content = a.interp.StripCallSyntax(content)
		calls = nil
	case len(calls) == 0:
		calls = a.interp.Interpret(content, scope.Request)
		recovered = len(calls) > 0
	}
	if choice != llm.ToolChoiceNone && a.interp.HasStopCue(content) && !hasCall(calls, tools.TerminateName) {
		calls = append(calls, a.interp.TerminateCall())
	}
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + a.newID()
		}
	}

	a.pending = calls
	a.remember(ctx, scope.RunID, llm.AssistantMessage(content, calls))
	a.bus.Emit(events.SourceAgent, events.KindStep, map[string]any{
		"run_id":     scope.RunID,
		"step":       a.budget.Steps,
		"tool_calls": len(calls),
	})
	a.logger.Debug("model replied",
		"run_id", scope.RunID,
		"step", a.budget.Steps,
		"content_len", len(content),
		"tool_calls", len(calls),
		"recovered", recovered,
	)

	switch {
	case choice == llm.ToolChoiceNone:
		return content != "", nil
	case choice == llm.ToolChoiceRequired:
		return true, nil
	case len(calls) == 0:
		return content != "", nil
	}
	return true, nil
}

// act executes the pending calls and returns the step's result text.
func (a *Agent) act(ctx context.Context, scope dispatch.Scope) (string, error) {
	calls := a.pending
	a.pending = nil

	if len(calls) == 0 {
		if a.cfg.ToolChoice == llm.ToolChoiceRequired {
			return "", errToolCallRequired
		}
		if a.cfg.ToolChoice == llm.ToolChoiceNone {
			a.finish(ReasonTerminated)
		}
		if last := a.memory.Last(1); len(last) == 1 && last[0].Content != "" {
			return last[0].Content, nil
		}
		return prompts.NoContent, nil
	}

	var (
		names   []string
		results []string
		notes   []string
		answer  string
		done    bool
	)
	// Notes go after every tool message so each call stays adjacent to
	// its result.
	defer func() {
		for _, n := range notes {
			a.remember(ctx, scope.RunID, llm.SystemMessage(n))
		}
	}()

	for i, call := range calls {
		name := call.Function.Name
		names = append(names, name)
		if name != tools.TerminateName && repeatedTail(names, a.cfg.RepeatToolLimit) {
			a.logger.Warn("repetitive tool calls, stopping",
				"run_id", scope.RunID,
				"tool", name,
				"repeats", a.cfg.RepeatToolLimit,
			)
			a.skip(ctx, scope.RunID, calls[i:])
			a.finish(ReasonRepetitive)
			return prompts.RepetitiveActions, nil
		}

		started := time.Now()
		out := a.dispatcher.Execute(ctx, call, scope)
		obs := truncate(out.Observation, a.cfg.MaxObserve)
		a.toolHistory = append(a.toolHistory, name)

		a.remember(ctx, scope.RunID, llm.ToolMessage(obs, name, call.ID))
		a.record(ctx, scope.RunID, call, obs, out.Success, started)
		results = append(results, obs)

		if !out.Success {
			notes = append(notes, prompts.ToolFailed(name, obs))
		}
		notes = append(notes, out.Notes...)

		if out.Finish {
			a.skip(ctx, scope.RunID, calls[i+1:])
			if name == tools.TerminateName {
				answer = unquote(out.Answer)
				a.finish(ReasonTerminated)
			} else {
				a.finish(ReasonHook)
			}
			done = true
			break
		}
	}

	if done && answer != "" {
		return answer, nil
	}
	if repeatedTail(results, 3) {
		a.logger.Warn("identical tool results, stopping", "run_id", scope.RunID)
		a.finish(ReasonRepetitive)
		return prompts.RepeatedOutput, nil
	}
	// Earlier results stay in memory; the step surfaces only the last.
	if len(results) == 0 {
		return prompts.NoContent, nil
	}
	return results[len(results)-1], nil
}

// skip answers calls that will not run, so every recorded call has a
// result.
func (a *Agent) skip(ctx context.Context, runID string, calls []llm.ToolCall) {
	for _, c := range calls {
		a.remember(ctx, runID, llm.ToolMessage(prompts.NotExecuted, c.Function.Name, c.ID))
	}
}

func (a *Agent) record(ctx context.Context, runID string, call llm.ToolCall, result string, ok bool, started time.Time) {
	if a.transcript == nil {
		return
	}
	err := a.transcript.RecordToolCall(ctx, memory.ToolCallRecord{
		RunID:     runID,
		CallID:    call.ID,
		Tool:      call.Function.Name,
		Arguments: call.Function.Arguments,
		Result:    result,
		Success:   ok,
		StartedAt: started,
		Duration:  time.Since(started),
	})
	if err != nil {
		a.logger.Debug("transcript tool call failed", "run_id", runID, "error", err)
	}
}
