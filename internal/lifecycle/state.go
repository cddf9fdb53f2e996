package lifecycle

import (
	"fmt"

	"github.com/dshills/edbridge/internal/state"
)

// State is a lifecycle state.
type State int

const (
	NotStarted State = iota
	Starting
	Running
	Quitting
	Terminated
	Crashed
)

var stateNames = [...]string{
	NotStarted: "not-started",
	Starting:   "starting",
	Running:    "running",
	Quitting:   "quitting",
	Terminated: "terminated",
	Crashed:    "crashed",
}

// String returns the state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QuitBlocked reports a refused quit. It is a result, not a failure; it
// also satisfies error for transports that report it as one.
type QuitBlocked struct {
	Reason  string
	Buffers []state.Buffer
}

func (q *QuitBlocked) Error() string {
	return "quit blocked: " + q.Reason
}

// QuitResult is the outcome of RequestQuit.
type QuitResult struct {
	// Blocked is set when the quit was refused.
	Blocked *QuitBlocked
}

// Quit reports whether the session terminated.
func (r QuitResult) Quit() bool {
	return r.Blocked == nil
}
