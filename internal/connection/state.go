// Package connection tracks the state of one physical TCP connection to a
// diagnostic target and notifies observers of state changes.
package connection

import "fmt"

// State represents the state of a TCP connection record.
type State int

const (
	// StateUnconnected indicates the record holds no socket. New records start
	// here and a connect attempt that times out returns here.
	StateUnconnected State = iota

	// StateConnecting indicates a non-blocking connect is waiting for readiness.
	StateConnecting

	// StateConnected indicates the record holds a live, connected socket.
	StateConnected

	// StateClosed indicates the socket was explicitly closed. A reconnect
	// re-arms the record back to StateUnconnected.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsActive returns true if the connection is usable for sending/receiving data.
func (s State) IsActive() bool {
	return s == StateConnected
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateUnconnected:
		return target == StateConnecting

	case StateConnecting:
		// Connected on success, back to unconnected on timeout or rejection.
		return target == StateConnected || target == StateUnconnected

	case StateConnected:
		// Dropped by the peer or torn down for a reconnect, or closed.
		return target == StateUnconnected || target == StateClosed

	case StateClosed:
		return target == StateUnconnected

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From    State
	To      State
	Handle  int
	Message string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for handle %d: %s -> %s: %s",
			e.Handle, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for handle %d: %s -> %s",
		e.Handle, e.From, e.To)
}

// NewTransitionError creates a new transition error.
func NewTransitionError(from, to State, handle int, message string) *TransitionError {
	return &TransitionError{
		From:    from,
		To:      to,
		Handle:  handle,
		Message: message,
	}
}
