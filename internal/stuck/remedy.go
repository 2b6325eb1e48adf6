package stuck

import (
	"strings"

	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
)

// Output-size floors for what counts as a substantial tool result.
const (
	// InjectMinLen is the floor for outputs handed back to a looping
	// model and for the forced final answer.
	InjectMinLen = 50
	// KeepMinLen is the floor for tool messages kept by a memory reset.
	KeepMinLen = 100
)

// Remediation is what the run loop applies after a stuck verdict.
type Remediation struct {
	// Prompt is prefixed to the next-step prompt.
	Prompt string
	// Inject, when non-empty, is appended to memory as a system
	// message.
	Inject string
}

// Remediate escalates with count, the number of stuck verdicts so far
// in the run. From the fourth verdict on, the most substantial tool
// output already collected is handed back to the model.
func Remediate(count int, msgs []llm.Message) Remediation {
	r := Remediation{Prompt: prompts.StuckPrompt(count)}
	if count >= 4 {
		if out, ok := Longest(msgs, InjectMinLen); ok {
			r.Inject = prompts.LoopBreakPrompt(out)
		}
	}
	return r
}

// ResetPolicy selects what survives a memory reset.
type ResetPolicy struct {
	// MinLen is the minimum content length of a kept tool message.
	MinLen int
	// Keep is the maximum number of tool messages kept.
	Keep int
	// Sources lists the tools whose results are worth keeping.
	Sources []string
}

// DefaultResetPolicy keeps the two most recent substantial search or
// browse results.
func DefaultResetPolicy() ResetPolicy {
	return ResetPolicy{MinLen: KeepMinLen, Keep: 2, Sources: []string{"web_search", "browser_use"}}
}

// Reset compacts msgs to the first system message, the most recent
// substantial tool results from the policy's sources, and the latest
// user message, then appends directive as a new system message.
func Reset(msgs []llm.Message, p ResetPolicy, directive string) []llm.Message {
	var system, user *llm.Message
	var kept []llm.Message
	for i := range msgs {
		m := msgs[i]
		switch m.Role {
		case llm.RoleSystem:
			if system == nil {
				system = &msgs[i]
			}
		case llm.RoleUser:
			user = &msgs[i]
		case llm.RoleTool:
			if len(m.Content) > p.MinLen && fromSource(m.ToolName, p.Sources) {
				kept = append(kept, m)
			}
		}
	}
	if len(kept) > p.Keep {
		kept = kept[len(kept)-p.Keep:]
	}

	out := make([]llm.Message, 0, len(kept)+3)
	if system != nil {
		out = append(out, *system)
	}
	out = append(out, kept...)
	if user != nil {
		out = append(out, *user)
	}
	return append(out, llm.SystemMessage(directive))
}

func fromSource(tool string, sources []string) bool {
	tool = strings.ToLower(tool)
	for _, s := range sources {
		if strings.Contains(tool, s) {
			return true
		}
	}
	return false
}

// Longest returns the longest tool output above minLen.
func Longest(msgs []llm.Message, minLen int) (string, bool) {
	best := ""
	for _, m := range msgs {
		if m.Role == llm.RoleTool && len(m.Content) > minLen && len(m.Content) >= len(best) {
			best = m.Content
		}
	}
	return best, best != ""
}

// BestAnswer picks the output to return when a looping run is forced
// to stop: the latest substantial result of a preferred tool, else the
// latest substantial result of any tool.
func BestAnswer(msgs []llm.Message, minLen int, preferred []string) (string, bool) {
	var latest, latestPreferred string
	for _, m := range msgs {
		if m.Role != llm.RoleTool || len(m.Content) <= minLen {
			continue
		}
		latest = m.Content
		if fromSource(m.ToolName, preferred) {
			latestPreferred = m.Content
		}
	}
	if latestPreferred != "" {
		return latestPreferred, true
	}
	return latest, latest != ""
}

// Progressing reports whether recent tool usage looks like forward
// motion: at least minDistinct different tools among the last window
// calls.
func Progressing(toolNames []string, window, minDistinct int) bool {
	recent := toolNames[max(0, len(toolNames)-window):]
	seen := make(map[string]bool, len(recent))
	for _, n := range recent {
		seen[n] = true
	}
	return len(seen) >= minDistinct
}
