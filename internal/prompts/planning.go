package prompts

import (
	"fmt"
	"strings"
)

// analysisTemplate asks the model to triage a task before the run loop
// starts. The single format verb is the task text.
const analysisTemplate = `Analyze this task: %q

Decide:
1. Whether the task can be answered directly or needs a step-by-step plan.
2. How complex it is (simple, moderate, complex).
3. Which tools the plan needs.

Rules:
- Anything that depends on current information (today's date, news, prices, weather) needs web_search followed by browser_use. Never answer such tasks from memory.
- A task that needs the web is never simple and always needs a plan.
- Stable facts, simple arithmetic and counting can be answered directly.

Respond with JSON only:
` + "```json" + `
{
  "needs_plan": true,
  "direct_response": "the answer, only when needs_plan is false",
  "complexity": "simple|moderate|complex",
  "steps": ["step 1", "step 2"],
  "required_tools": ["tool_name"]
}
` + "```"

// TaskAnalysisPrompt returns the triage prompt for task.
func TaskAnalysisPrompt(task string) string {
	return fmt.Sprintf(analysisTemplate, task)
}

// PlanSection renders a plan for appending to the system prompt.
func PlanSection(steps, requiredTools []string) string {
	var sb strings.Builder
	sb.WriteString("\n\n## Plan\nFollow these steps in order, without asking for confirmation:\n")
	for i, s := range steps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s)
	}
	if len(requiredTools) > 0 {
		sb.WriteString("\nTools this plan relies on: ")
		sb.WriteString(strings.Join(requiredTools, ", "))
		sb.WriteString("\n")
	}
	sb.WriteString("\nFor web information: web_search first, then browser_use navigate, then browser_use get_text. " +
		"Do not stop after fetching a page; analyze it and report what it says.")
	return sb.String()
}

// Failure is one failed tool call reported back to the planner.
type Failure struct {
	Tool  string
	Error string
}

// ReplanPrompt asks the model to plan again around the failures of the
// previous attempt.
func ReplanPrompt(task string, failures []Failure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "We need to rethink the approach for: %q\n\n", task)
	sb.WriteString("These errors occurred in the previous attempt:\n")
	for i, f := range failures {
		fmt.Fprintf(&sb, "%d. Tool '%s' failed: %s\n", i+1, f.Tool, f.Error)
	}
	sb.WriteString("\nNotes on the tools:\n")
	sb.WriteString("- browser_use supports navigate, get_text, get_html, read_links and the tab actions. click, input_text, execute_js and screenshot fail.\n")
	sb.WriteString("- Opening a page takes two calls: navigate with a url, then get_text without one.\n")
	sb.WriteString("\nCreate a new plan that avoids these errors.")
	return sb.String()
}

// FailureSummary is the final answer when replanning is exhausted.
func FailureSummary(attempts int, failures []Failure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I could not complete the task after %d planning attempts. Problems encountered:\n\n", attempts)
	for i, f := range failures {
		fmt.Fprintf(&sb, "%d. Tool '%s' failed: %s\n", i+1, f.Tool, f.Error)
	}
	sb.WriteString("\nTry rephrasing the request or narrowing its scope.")
	return sb.String()
}
