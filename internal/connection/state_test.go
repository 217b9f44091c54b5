package connection

import (
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateUnconnected, "unconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosed, "closed"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_IsActive(t *testing.T) {
	tests := []struct {
		state  State
		active bool
	}{
		{StateUnconnected, false},
		{StateConnecting, false},
		{StateConnected, true},
		{StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.IsActive(); got != tt.active {
				t.Errorf("State.IsActive() = %v, want %v", got, tt.active)
			}
		})
	}
}

func TestState_CanTransitionTo(t *testing.T) {
	valid := map[State][]State{
		StateUnconnected: {StateConnecting},
		StateConnecting:  {StateConnected, StateUnconnected},
		StateConnected:   {StateUnconnected, StateClosed},
		StateClosed:      {StateUnconnected},
	}
	all := []State{StateUnconnected, StateConnecting, StateConnected, StateClosed}

	for _, from := range all {
		allowed := make(map[State]bool)
		for _, to := range valid[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Errorf("%v.CanTransitionTo(%v) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}

	if State(42).CanTransitionTo(StateUnconnected) {
		t.Error("unknown state should not transition")
	}
}

func TestTransitionError(t *testing.T) {
	err := NewTransitionError(StateClosed, StateConnected, 3, "")
	want := "invalid state transition for handle 3: closed -> connected"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = NewTransitionError(StateUnconnected, StateClosed, 1, "close")
	want = "invalid state transition for handle 1: unconnected -> closed: close"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
