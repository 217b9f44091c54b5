package connection

import (
	"errors"
	"sync"
	"testing"
)

// transitionRecorder records transitions for testing.
type transitionRecorder struct {
	mu          sync.Mutex
	transitions []Transition
}

func (r *transitionRecorder) OnTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *transitionRecorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Transition, len(r.transitions))
	copy(result, r.transitions)
	return result
}

func (r *transitionRecorder) Last() *Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitions) == 0 {
		return nil
	}
	t := r.transitions[len(r.transitions)-1]
	return &t
}

func TestNewLink(t *testing.T) {
	l := NewLink(LinkConfig{Handle: 2, Remote: "10.0.0.5:13400"})

	if l.Handle() != 2 {
		t.Errorf("Handle() = %d, want 2", l.Handle())
	}
	if l.Remote() != "10.0.0.5:13400" {
		t.Errorf("Remote() = %q, want %q", l.Remote(), "10.0.0.5:13400")
	}
	if l.State() != StateUnconnected {
		t.Errorf("State() = %v, want %v", l.State(), StateUnconnected)
	}
	if !l.ConnectedSince().IsZero() {
		t.Error("ConnectedSince() should be zero before connecting")
	}
}

func TestLink_TransitionTo(t *testing.T) {
	recorder := &transitionRecorder{}
	l := NewLink(LinkConfig{Handle: 0, Remote: "10.0.0.5:13400", Observers: []Observer{recorder}})

	if err := l.TransitionTo(StateConnecting, "connect", nil); err != nil {
		t.Fatalf("TransitionTo(Connecting) failed: %v", err)
	}

	last := recorder.Last()
	if last == nil {
		t.Fatal("Observer was not notified")
	}
	if last.From != StateUnconnected || last.To != StateConnecting {
		t.Errorf("Transition = %v->%v, want %v->%v", last.From, last.To, StateUnconnected, StateConnecting)
	}
	if last.Handle != 0 || last.Remote != "10.0.0.5:13400" {
		t.Errorf("Transition identity = %d/%q", last.Handle, last.Remote)
	}

	if err := l.TransitionTo(StateConnected, "writable", nil); err != nil {
		t.Fatalf("TransitionTo(Connected) failed: %v", err)
	}
	if l.ConnectedSince().IsZero() {
		t.Error("ConnectedSince() should be set when connected")
	}

	// Invalid: Connected -> Connecting
	err := l.TransitionTo(StateConnecting, "should fail", nil)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if l.State() != StateConnected {
		t.Errorf("State() = %v, want %v (unchanged)", l.State(), StateConnected)
	}
	if len(recorder.Transitions()) != 2 {
		t.Errorf("recorded %d transitions, want 2", len(recorder.Transitions()))
	}
}

func TestLink_DroppedAndReconnectCount(t *testing.T) {
	recorder := &transitionRecorder{}
	l := NewLink(LinkConfig{Handle: 1, Observers: []Observer{recorder}})
	reset := errors.New("connection reset by peer")

	steps := []struct {
		to  State
		err error
	}{
		{StateConnecting, nil},
		{StateConnected, nil},
		{StateUnconnected, reset},
		{StateConnecting, nil},
		{StateConnected, nil},
		{StateClosed, nil},
		{StateUnconnected, nil},
	}
	for _, s := range steps {
		if err := l.TransitionTo(s.to, "test", s.err); err != nil {
			t.Fatalf("TransitionTo(%v) failed: %v", s.to, err)
		}
	}

	dropped := 0
	for _, tr := range recorder.Transitions() {
		if tr.Dropped() {
			dropped++
			if !errors.Is(tr.Error, reset) {
				t.Errorf("dropped transition error = %v", tr.Error)
			}
		}
	}
	if dropped != 1 {
		t.Errorf("dropped transitions = %d, want 1", dropped)
	}
	if l.ReconnectCount() != 1 {
		t.Errorf("ReconnectCount() = %d, want 1", l.ReconnectCount())
	}

	info := l.Info()
	if info.State != StateUnconnected || info.ReconnectCount != 1 {
		t.Errorf("Info() = %+v", info)
	}
	if !info.ConnectedSince.IsZero() {
		t.Error("Info().ConnectedSince should be zero when not connected")
	}
}

func TestLink_AddObserverAndMulti(t *testing.T) {
	a, b := &transitionRecorder{}, &transitionRecorder{}
	var calls int
	multi := NewMultiObserver(a)
	multi.Add(b)
	multi.Add(ObserverFunc(func(Transition) { calls++ }))

	l := NewLink(LinkConfig{Handle: 4})
	l.AddObserver(multi)
	l.AddObserver(LoggingObserver{})

	if err := l.TransitionTo(StateConnecting, "connect", nil); err != nil {
		t.Fatal(err)
	}
	if len(a.Transitions()) != 1 || len(b.Transitions()) != 1 || calls != 1 {
		t.Errorf("observers not all notified: a=%d b=%d func=%d",
			len(a.Transitions()), len(b.Transitions()), calls)
	}
}

func TestLink_ConcurrentReads(t *testing.T) {
	l := NewLink(LinkConfig{Handle: 5})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.State()
				_ = l.Info()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_ = l.TransitionTo(StateConnecting, "", nil)
		_ = l.TransitionTo(StateUnconnected, "", nil)
	}
	wg.Wait()
}
