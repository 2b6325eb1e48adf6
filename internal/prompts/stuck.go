package prompts

import "fmt"

// Escalating redirections for a run that keeps repeating itself.
const (
	stuckMild   = "Observed duplicate responses. Consider new strategies and avoid repeating ineffective paths already attempted."
	stuckStrong = "You are repeating yourself. Change your approach completely. Do not restate the problem, provide a direct solution."
	stuckSevere = "You are stuck in a repetitive loop. STOP asking for instructions. Provide a DIRECT ANSWER based on the information you've already collected."
)

// StuckPrompt returns the redirection prefixed to the next-step prompt
// after the run has been detected stuck count times.
func StuckPrompt(count int) string {
	switch {
	case count >= 4:
		return stuckSevere
	case count >= 3:
		return stuckStrong
	default:
		return stuckMild
	}
}

const loopBreakTemplate = `The system has detected a loop. Ignore any confusion and provide a direct answer based on this information you've already collected:

%s

Summarize this information as your final answer now. DO NOT ask for more instructions.`

// LoopBreakPrompt returns the system message that hands the model the
// most substantial tool output collected so far.
func LoopBreakPrompt(collected string) string {
	return fmt.Sprintf(loopBreakTemplate, collected)
}

// MemoryResetDirective is appended after a memory reset.
const MemoryResetDirective = "The conversation history was cleared because the assistant was repeating itself. " +
	"Answer the user's most recent request directly, using the tool results above. " +
	"Do not ask for further instructions. Call terminate with the answer when done."
