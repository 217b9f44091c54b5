package netif

import (
	"context"
	"time"
)

// Debouncer coalesces bursts of change events into one. Interface changes
// usually arrive as a link event followed by several address events.
type Debouncer struct {
	interval time.Duration
	input    <-chan Event
	output   chan Event
}

// NewDebouncer creates a debouncer that emits the last event of each burst
// once no further event arrived for interval.
func NewDebouncer(input <-chan Event, interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		input:    input,
		output:   make(chan Event),
	}
}

// Run starts the debouncer and returns the output channel. The output is
// closed when ctx is cancelled or the input is closed (after flushing).
func (d *Debouncer) Run(ctx context.Context) <-chan Event {
	go d.loop(ctx)
	return d.output
}

func (d *Debouncer) emit(ctx context.Context, e Event) bool {
	select {
	case d.output <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Debouncer) loop(ctx context.Context) {
	defer close(d.output)

	timer := time.NewTimer(d.interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending *Event
	for {
		var fire <-chan time.Time
		if pending != nil {
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return

		case e, ok := <-d.input:
			if !ok {
				if pending != nil {
					d.emit(ctx, *pending)
				}
				return
			}
			if pending != nil && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			pending = &e
			timer.Reset(d.interval)

		case <-fire:
			e := *pending
			pending = nil
			if !d.emit(ctx, e) {
				return
			}
		}
	}
}
