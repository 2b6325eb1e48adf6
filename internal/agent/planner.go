package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
)

// Plan is the model's triage of a task.
type Plan struct {
	NeedsPlan      bool     `json:"needs_plan"`
	DirectResponse string   `json:"direct_response"`
	Complexity     string   `json:"complexity"`
	Steps          []string `json:"steps"`
	RequiredTools  []string `json:"required_tools"`
}

// Direct reports whether the task was answered during triage.
func (p Plan) Direct() bool {
	return !p.NeedsPlan && strings.TrimSpace(p.DirectResponse) != ""
}

// DefaultPlan is used when triage fails or cannot be parsed.
func DefaultPlan() Plan {
	return Plan{
		NeedsPlan:  true,
		Complexity: "moderate",
		Steps:      []string{"Analyze the request", "Carry out the task", "Present the result"},
	}
}

// Asker is the single-shot model call the planner needs.
type Asker interface {
	Ask(ctx context.Context, messages, system []llm.Message) (string, error)
}

// Planner triages tasks before a run.
type Planner struct {
	asker  Asker
	logger *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(asker Asker, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{asker: asker, logger: logger}
}

// Analyze asks the model to triage task. It never fails; any problem
// yields DefaultPlan.
func (p *Planner) Analyze(ctx context.Context, task string) Plan {
	text, err := p.asker.Ask(ctx, []llm.Message{llm.UserMessage(prompts.TaskAnalysisPrompt(task))}, nil)
	if err != nil {
		p.logger.Warn("task analysis failed, using default plan", "error", err)
		return DefaultPlan()
	}
	plan, ok := parsePlan(text)
	if !ok {
		p.logger.Warn("task analysis unparseable, using default plan", "response_len", len(text))
		return DefaultPlan()
	}
	p.logger.Info("task analyzed",
		"needs_plan", plan.NeedsPlan,
		"complexity", plan.Complexity,
		"steps", len(plan.Steps),
		"required_tools", plan.RequiredTools,
	)
	return plan
}

var planFenceRE = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parsePlan extracts the JSON plan from a fenced block, or from the
// outermost braces of the reply.
func parsePlan(text string) (Plan, bool) {
	var candidate string
	if m := planFenceRE.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	} else {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return Plan{}, false
		}
		candidate = text[start : end+1]
	}

	// needs_plan defaults to true when absent.
	var raw struct {
		NeedsPlan      *bool    `json:"needs_plan"`
		DirectResponse string   `json:"direct_response"`
		Complexity     string   `json:"complexity"`
		Steps          []string `json:"steps"`
		RequiredTools  []string `json:"required_tools"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return Plan{}, false
	}
	plan := Plan{
		NeedsPlan:      raw.NeedsPlan == nil || *raw.NeedsPlan,
		DirectResponse: raw.DirectResponse,
		Complexity:     raw.Complexity,
		Steps:          raw.Steps,
		RequiredTools:  raw.RequiredTools,
	}
	if plan.NeedsPlan && len(plan.Steps) == 0 {
		plan.Steps = DefaultPlan().Steps
	}
	return plan, true
}

// errorAlertMarker identifies tool-failure notes, which survive a
// replanning compaction.
const errorAlertMarker = "ERROR ALERT"

// planned runs the loop under a plan and replans while tool failures
// keep the task from finishing.
func (a *Agent) planned(ctx context.Context, scope dispatch.Scope) string {
	base := a.cfg.systemPrompt(a.registry.Names())

	plan := a.planner.Analyze(ctx, scope.Request)
	if plan.Direct() {
		a.remember(ctx, scope.RunID, llm.AssistantMessage(plan.DirectResponse, nil))
		a.finish(ReasonDirect)
		return plan.DirectResponse
	}

	for attempt := 1; ; attempt++ {
		system := base + prompts.PlanSection(plan.Steps, plan.RequiredTools)
		result := a.loop(ctx, scope, system)

		// A run that hit the error or stuck ceiling keeps its forced
		// answer; replanning would hand it a fresh budget.
		failed := a.dispatcher.Failures()
		switch {
		case len(failed) == 0:
			return result
		case a.reason == ReasonTerminated, a.reason == ReasonCancelled,
			a.reason == ReasonErrors, a.reason == ReasonStuck:
			return result
		}
		failures := make([]prompts.Failure, len(failed))
		for i, f := range failed {
			failures[i] = prompts.Failure{Tool: f.Tool, Error: f.Error}
		}

		if attempt >= a.cfg.MaxPlanningAttempts {
			a.logger.Warn("planning attempts exhausted",
				"run_id", scope.RunID,
				"attempts", attempt,
				"failures", len(failures),
			)
			a.reason = ReasonReplanned
			return prompts.FailureSummary(attempt, failures)
		}

		a.logger.Info("replanning after tool failures",
			"run_id", scope.RunID,
			"attempt", attempt+1,
			"max_attempts", a.cfg.MaxPlanningAttempts,
			"failures", len(failures),
		)
		replan := prompts.ReplanPrompt(scope.Request, failures)
		a.compact(ctx, scope.RunID, replan)
		if p := a.planner.Analyze(ctx, replan); len(p.Steps) > 0 {
			plan = p
		}
		a.dispatcher.ResetFailures()
		a.reason = ""
	}
}

// compact trims this run's messages to the request, the tool-failure
// notes, and the replanning message. History from earlier runs is
// kept.
func (a *Agent) compact(ctx context.Context, runID, replan string) {
	msgs := a.memory.Messages()
	start := min(a.runStart, len(msgs))

	kept := append([]llm.Message(nil), msgs[:start]...)
	for i, m := range msgs[start:] {
		switch {
		case i == 0 && m.Role == llm.RoleUser:
			kept = append(kept, m)
		case m.Role == llm.RoleSystem && strings.Contains(m.Content, errorAlertMarker):
			kept = append(kept, m)
		}
	}
	msg := llm.UserMessage(replan)
	a.memory.Replace(append(kept, msg))
	if a.transcript != nil {
		if err := a.transcript.AppendMessage(ctx, runID, msg); err != nil {
			a.logger.Debug("transcript append failed", "run_id", runID, "error", err)
		}
	}
}
