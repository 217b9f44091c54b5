package connection

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Link holds the state of one TCP connection record and notifies observers
// of changes. It does not own the socket; the transport manager does.
type Link struct {
	mu sync.RWMutex

	// Identity
	handle int
	remote string

	// State
	state     State
	lastError error

	observers []Observer

	// Timestamps
	createdAt      time.Time
	lastTransition time.Time
	connectedSince time.Time
	connectCount   int
}

// LinkConfig holds configuration for creating a Link.
type LinkConfig struct {
	Handle    int
	Remote    string
	Observers []Observer
}

// NewLink creates a new Link in the Unconnected state.
func NewLink(cfg LinkConfig) *Link {
	now := time.Now()
	return &Link{
		handle:         cfg.Handle,
		remote:         cfg.Remote,
		state:          StateUnconnected,
		observers:      cfg.Observers,
		createdAt:      now,
		lastTransition: now,
	}
}

// Handle returns the registry handle of the link.
func (l *Link) Handle() int {
	return l.handle
}

// Remote returns the target address.
func (l *Link) Remote() string {
	return l.remote
}

// State returns the current connection state.
func (l *Link) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastError returns the last error that caused a state transition.
func (l *Link) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

// ConnectedSince returns when the connection was established.
// Returns zero time if not currently connected.
func (l *Link) ConnectedSince() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateConnected {
		return time.Time{}
	}
	return l.connectedSince
}

// ReconnectCount returns how many times the link connected after its first connection.
func (l *Link) ReconnectCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.connectCount == 0 {
		return 0
	}
	return l.connectCount - 1
}

// AddObserver adds an observer to receive state change notifications.
func (l *Link) AddObserver(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// TransitionTo attempts to transition to the target state.
// Returns an error if the transition is invalid.
// On success, notifies all observers of the transition.
func (l *Link) TransitionTo(target State, reason string, err error) error {
	l.mu.Lock()

	from := l.state
	if !from.CanTransitionTo(target) {
		l.mu.Unlock()
		return NewTransitionError(from, target, l.handle, reason)
	}

	now := time.Now()
	l.state = target
	l.lastError = err
	l.lastTransition = now

	if target == StateConnected {
		l.connectCount++
		l.connectedSince = now
	}

	transition := Transition{
		Handle:    l.handle,
		Remote:    l.remote,
		From:      from,
		To:        target,
		Timestamp: now,
		Reason:    reason,
		Error:     err,
	}

	// Copy observers slice to avoid holding lock during callbacks
	observers := make([]Observer, len(l.observers))
	copy(observers, l.observers)

	l.mu.Unlock()

	logEvent := log.Debug().
		Int("handle", l.handle).
		Str("remote", l.remote).
		Str("from", from.String()).
		Str("to", target.String()).
		Str("reason", reason)
	if err != nil {
		logEvent = logEvent.Err(err)
	}
	logEvent.Msg("connection state transition")

	for _, o := range observers {
		o.OnTransition(transition)
	}

	return nil
}

// LinkInfo contains snapshot information about a link.
type LinkInfo struct {
	Handle         int
	Remote         string
	State          State
	LastError      error
	CreatedAt      time.Time
	ConnectedSince time.Time
	LastTransition time.Time
	ReconnectCount int
}

// Info returns a snapshot of the link's current state.
func (l *Link) Info() LinkInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	reconnects := 0
	if l.connectCount > 0 {
		reconnects = l.connectCount - 1
	}
	info := LinkInfo{
		Handle:         l.handle,
		Remote:         l.remote,
		State:          l.state,
		LastError:      l.lastError,
		CreatedAt:      l.createdAt,
		LastTransition: l.lastTransition,
		ReconnectCount: reconnects,
	}
	if l.state == StateConnected {
		info.ConnectedSince = l.connectedSince
	}
	return info
}
