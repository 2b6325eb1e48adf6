package prompts

import "fmt"

// Messages the run loop emits when it stops a run itself. They are
// user-visible and also serve as the run's final answer.
const (
	RepetitiveActions = "Detected repetitive actions. Stopping to avoid an infinite loop."
	NoProgress        = "Stopped after reaching the step limit without making progress."
	LoopDetected      = "Stopped because the assistant was stuck in a loop and collected no usable results."
	TaskCompleted     = "Task completed."
	StepLimit         = "Stopped at the hard step limit."
	NoAction          = "Thinking complete - no action needed"
	NoContent         = "No content or commands to execute"
	RepeatedOutput    = "Task completed, but the last tool results were identical."
	NotExecuted       = "Not executed: the run stopped before this call."
)

// TooManyErrors is the final answer when consecutive step errors
// exhaust the error budget.
func TooManyErrors(count int, last error) string {
	return fmt.Sprintf("Stopped after %d consecutive errors. Last error: %v", count, last)
}

// StepError is the diagnostic recorded in memory when a step fails.
func StepError(step int, err error) string {
	return fmt.Sprintf("Step %d failed: %v. Try a different approach.", step, err)
}

// ToolFailed steers the next step after a failed tool call.
func ToolFailed(tool, result string) string {
	return fmt.Sprintf("ERROR ALERT: The tool '%s' failed with error: %s. Please adapt your approach.", tool, result)
}

// ForcedAnswer frames collected output as the answer when the run is
// terminated for looping.
func ForcedAnswer(collected string) string {
	return "Stopped a repetitive loop. Best answer from the information collected:\n\n" + collected
}
