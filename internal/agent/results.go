package agent

import (
	"regexp"
	"strings"

	"github.com/nugget/steward/internal/llm"
	"github.com/nugget/steward/internal/prompts"
	"github.com/nugget/steward/internal/tools"
)

// terminateEchoRE matches a serialized terminate call left in a step
// result.
var terminateEchoRE = regexp.MustCompile(`\{\s*["'](?:tool_)?name["']\s*:\s*["']terminate["'](?:[^{}]|\{[^{}]*\})*\}`)

// terminateObserved marks dispatcher output for the terminate tool.
const terminateObserved = "Observed output of cmd `" + tools.TerminateName + "`"

// cleanResult prepares a step result for the run summary. It reports
// false when nothing user-facing is left.
func cleanResult(result string) (string, bool) {
	if !strings.Contains(result, tools.TerminateName) || !strings.Contains(result, "{") {
		return result, true
	}
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return "", false
	}
	cleaned := terminateEchoRE.ReplaceAllString(result, prompts.TaskCompleted)
	return cleaned, strings.TrimSpace(cleaned) != ""
}

// summarize joins the accumulated step results into the run's return
// value.
func summarize(results []string) string {
	kept := make([]string, 0, len(results))
	for _, r := range results {
		if strings.Contains(r, terminateObserved) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		return prompts.TaskCompleted
	}
	return strings.Join(kept, "\n")
}

// truncate caps s at limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// unquote strips one pair of surrounding double quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// hasCall reports whether calls include one to name.
func hasCall(calls []llm.ToolCall, name string) bool {
	for _, c := range calls {
		if c.Function.Name == name {
			return true
		}
	}
	return false
}

// repeatedTail reports whether the last n entries of names are equal.
func repeatedTail(names []string, n int) bool {
	if n <= 1 || len(names) < n {
		return false
	}
	last := names[len(names)-1]
	for _, name := range names[len(names)-n:] {
		if name != last {
			return false
		}
	}
	return true
}
