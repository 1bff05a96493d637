package bridge

import "github.com/illmade-knight/go-wsbridge/pkg/types"

// State is the forwarding loop state.
type State int

const (
	StateRunning State = iota
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is how one forwarding run ended.
type Outcome struct {
	State State
	// Err is the cause when State is StateFailed.
	Err error
	// Forwarded counts the records acknowledged during the run.
	Forwarded uint64
}

// Retryable reports whether the supervisor should start a new attempt.
func (o Outcome) Retryable() bool {
	return o.State == StateFailed && types.Retryable(o.Err)
}

// Phase is the supervisor's coarse lifecycle position, reported by Status.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseConnecting Phase = "connecting"
	PhaseRunning    Phase = "running"
	PhaseBackingOff Phase = "backing_off"
	PhaseStopped    Phase = "stopped"
	PhaseFailed     Phase = "failed"
)
