package warehouse

import (
	"fmt"
	"strconv"

	"github.com/softsense/warehouse-go/internal/bimap"
)

// State is the lifecycle state of a statement.
type State int8

const (
	// StateUnknown is the zero value; it never comes from the server.
	StateUnknown State = iota
	// StatePending indicates the statement is waiting for warehouse capacity.
	StatePending
	// StateRunning indicates the statement is executing.
	StateRunning
	// StateSucceeded indicates results are available.
	StateSucceeded
	// StateFailed indicates execution failed; the status carries the error.
	StateFailed
	// StateCanceled indicates the statement was cancelled.
	StateCanceled
	// StateClosed indicates the statement finished and its results were released.
	StateClosed
)

var stateNames = bimap.New(map[State]string{
	StatePending:   "PENDING",
	StateRunning:   "RUNNING",
	StateSucceeded: "SUCCEEDED",
	StateFailed:    "FAILED",
	StateCanceled:  "CANCELED",
	StateClosed:    "CLOSED",
})

// String returns the wire name of the state.
func (s State) String() string {
	if name, ok := stateNames.Lookup(s); ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// ParseState parses a wire state name.
func ParseState(name string) (State, error) {
	if s, ok := stateNames.RLookup(name); ok {
		return s, nil
	}
	return StateUnknown, fmt.Errorf("unknown statement state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames.Lookup(s); !ok {
		return nil, fmt.Errorf("unknown statement state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// InProgress reports whether the statement still needs polling.
func (s State) InProgress() bool {
	return s == StatePending || s == StateRunning
}

// Advance returns the state that results from observing next while in s.
// A terminal state is sticky: later observations do not change it. Moving
// backwards, for example from RUNNING to PENDING, is a protocol violation.
func (s State) Advance(next State) (State, error) {
	switch {
	case s.Terminal():
		return s, nil
	case next == StateUnknown:
		return s, &ProtocolError{Reason: "statement reported no state"}
	case next < s:
		return s, &ProtocolError{Reason: fmt.Sprintf("statement state moved backwards from %s to %s", s, next)}
	default:
		return next, nil
	}
}
