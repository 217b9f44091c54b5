package netif

import (
	"context"
	"time"
)

// ChangeType represents the type of interface change detected.
type ChangeType int

const (
	ChangeUnknown ChangeType = iota
	ChangeAddressAdded
	ChangeAddressRemoved
	ChangeInterfaceUp
	ChangeInterfaceDown
)

// String returns a string representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeAddressAdded:
		return "address_added"
	case ChangeAddressRemoved:
		return "address_removed"
	case ChangeInterfaceUp:
		return "interface_up"
	case ChangeInterfaceDown:
		return "interface_down"
	default:
		return "unknown"
	}
}

// Event reports that the local interface set may have changed.
type Event struct {
	Type      ChangeType
	Interface string
	Timestamp time.Time
}

// Watcher reports interface changes.
type Watcher interface {
	// Start begins watching. Events are debounced and sent to the returned
	// channel, which is closed when ctx is cancelled or the watcher fails.
	Start(ctx context.Context) (<-chan Event, error)

	// Close releases any resources held by the watcher.
	Close() error
}

// NewWatcher creates the platform watcher.
func NewWatcher(cfg Config) (Watcher, error) {
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = 500 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return newPlatformWatcher(cfg)
}

// pollingWatcher re-enumerates on a ticker and emits an event whenever the
// address set differs from the previous snapshot.
type pollingWatcher struct {
	cfg       Config
	events    chan Event
	enumerate func(Config) ([]Interface, error)
}

func newPollingWatcher(cfg Config) *pollingWatcher {
	return &pollingWatcher{
		cfg:       cfg,
		events:    make(chan Event, 16),
		enumerate: Enumerate,
	}
}

func (w *pollingWatcher) Start(ctx context.Context) (<-chan Event, error) {
	last, err := w.enumerate(w.cfg)
	if err != nil {
		return nil, err
	}
	go w.pollLoop(ctx, last)
	return NewDebouncer(w.events, w.cfg.DebounceInterval).Run(ctx), nil
}

func (w *pollingWatcher) pollLoop(ctx context.Context, last []Interface) {
	defer close(w.events)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := w.enumerate(w.cfg)
			if err != nil || Equal(current, last) {
				continue
			}
			typ := ChangeAddressAdded
			if len(current) < len(last) {
				typ = ChangeAddressRemoved
			}
			last = current
			select {
			case w.events <- Event{Type: typ, Timestamp: time.Now()}:
			default:
			}
		}
	}
}

func (w *pollingWatcher) Close() error {
	return nil
}
