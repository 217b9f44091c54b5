package transport

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the manager wraps exactly one of
// these, so callers branch with errors.Is.
var (
	// ErrInvalidHandle means the handle was never issued by the registry.
	ErrInvalidHandle = errors.New("invalid connection handle")

	// ErrNotConfigured means the handle holds no socket: never connected,
	// timed out, dropped or already closed.
	ErrNotConfigured = errors.New("socket not configured")

	// ErrIO means a send or receive system call failed for a reason other
	// than would-block.
	ErrIO = errors.New("i/o error")

	// ErrConnectFailed means the target actively rejected the connection.
	ErrConnectFailed = errors.New("connect failed")

	// ErrNotConnected is a benign outcome: the connection is not up yet.
	ErrNotConnected = errors.New("not connected")

	// ErrNoDataYet is a benign outcome: fewer bytes are available than requested.
	ErrNoDataYet = errors.New("not enough data yet")

	// ErrMisrouted is a benign outcome: the payload read belonged to a
	// sibling endpoint and was parked for it.
	ErrMisrouted = errors.New("payload parked for another endpoint")

	// ErrConnectionDropped is reported once to each session on a handle
	// whose connection was reset since the session last looked.
	ErrConnectionDropped = errors.New("connection dropped")
)

// ErrDialTimeout is returned by a Dialer when the connect readiness wait
// expired without an event. The manager does not treat it as an error.
var ErrDialTimeout = errors.New("connect timed out")

// ErrWouldBlock is returned by a Conn when a non-blocking call could not
// make progress.
var ErrWouldBlock = errors.New("operation would block")

// RejectedError is returned by a Dialer when the target refused the connection.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected: %v", e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Error describes a failed manager operation on one handle.
type Error struct {
	Op     string
	Handle Handle
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s handle %d: %v", e.Op, e.Handle, e.Kind)
	}
	return fmt.Sprintf("%s handle %d: %v: %v", e.Op, e.Handle, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, h Handle, kind, err error) *Error {
	return &Error{Op: op, Handle: h, Kind: kind, Err: err}
}

// IsRetryable reports whether err is one of the benign outcomes a polling
// session should simply retry later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrNoDataYet) ||
		errors.Is(err, ErrMisrouted) ||
		errors.Is(err, ErrConnectionDropped)
}
