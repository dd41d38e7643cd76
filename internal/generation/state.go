package generation

import "errors"

// State is the lifecycle state of the controller.
type State string

const (
	StateIdle        State = "IDLE"
	StateStarting    State = "STARTING"
	StateStreaming   State = "STREAMING"
	StateInterrupted State = "INTERRUPTED"
	StateCompleted   State = "COMPLETED"
	StateError       State = "ERROR"

	// StateUnavailable is reported when no controller is mounted.
	StateUnavailable State = "UNAVAILABLE"
)

// ErrNotMounted marks reads against a missing controller.
var ErrNotMounted = errors.New("no stream component mounted")

func (s State) String() string { return string(s) }

// Active reports whether a stream handle may be held in this state.
func (s State) Active() bool {
	return s == StateStreaming || s == StateInterrupted
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State     State  `json:"state"`
	Prompt    string `json:"prompt,omitempty"`
	Chunks    int    `json:"chunks"`
	HasHandle bool   `json:"hasHandle"`
	// Error is set instead of failing when the controller is unavailable.
	Error string `json:"error,omitempty"`
}
