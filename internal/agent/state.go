package agent

import "fmt"

// State is the lifecycle state of an Agent.
type State int

// Agent states. A run may only start from StateIdle. The agent is
// StateRunning while the loop executes and StateFinished once the loop
// decides to stop; it returns to the state it started from when Run
// returns. StateError is only observed while a run is unwinding from a
// panic outside any step.
const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// InvalidStateError is returned by Run when the agent is not idle.
type InvalidStateError struct {
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot run agent from state %s", e.State)
}

// Stop reasons reported in RunInfo and run_complete events.
const (
	ReasonTerminated = "terminated"
	ReasonDirect     = "direct_response"
	ReasonHook       = "hook"
	ReasonRepetitive = "repetitive_actions"
	ReasonErrors     = "consecutive_errors"
	ReasonStuck      = "stuck"
	ReasonNoProgress = "no_progress"
	ReasonStepLimit  = "step_limit"
	ReasonReplanned  = "replanning_exhausted"
	ReasonCancelled  = "cancelled"
)
