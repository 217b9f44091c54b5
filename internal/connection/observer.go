package connection

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Transition represents a state change event.
type Transition struct {
	// Handle is the registry handle of the connection whose state changed.
	Handle int

	// Remote is the target address of the connection.
	Remote string

	// From is the previous state.
	From State

	// To is the new state.
	To State

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Reason is a human-readable description of why the transition occurred.
	Reason string

	// Error is non-nil if the transition was caused by an error.
	Error error
}

// Dropped reports whether the transition lost a live connection because of
// an error rather than an explicit close or reconnect.
func (t Transition) Dropped() bool {
	return t.From == StateConnected && t.To == StateUnconnected && t.Error != nil
}

// Observer receives notifications about state transitions.
type Observer interface {
	// OnTransition is called synchronously after the state changed, outside
	// the link's lock. Implementations should not block.
	OnTransition(t Transition)
}

// ObserverFunc is an adapter that allows using ordinary functions as Observers.
type ObserverFunc func(Transition)

// OnTransition implements the Observer interface.
func (f ObserverFunc) OnTransition(t Transition) {
	f(t)
}

// MultiObserver combines multiple observers into one.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver creates a new MultiObserver with the given observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{
		observers: observers,
	}
}

// Add adds an observer to the multi-observer.
func (m *MultiObserver) Add(o Observer) {
	m.observers = append(m.observers, o)
}

// OnTransition notifies all observers of the transition.
func (m *MultiObserver) OnTransition(t Transition) {
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}

// LoggingObserver logs every transition at info level. Link already logs
// transitions at debug level; this is for tools that want them visible.
type LoggingObserver struct{}

// OnTransition logs the transition using zerolog.
func (LoggingObserver) OnTransition(t Transition) {
	ev := log.Info().
		Int("handle", t.Handle).
		Str("remote", t.Remote).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason)
	if t.Error != nil {
		ev = ev.Err(t.Error)
	}
	ev.Msg("connection state changed")
}
