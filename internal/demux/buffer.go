package demux

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/diagnet/doipmux/pkg/doip"
)

// Buffer holds payloads that were read by one session but addressed to
// another, queued per endpoint in arrival order. One Buffer is shared by
// every demultiplexer and session that may read from the same connection.
// A single lock guards the whole structure and no I/O happens under it.
type Buffer struct {
	mu     sync.Mutex
	queues *treemap.Map // doip.EndpointKey -> *queue
	depth  int
	pushed uint64
	popped uint64
}

type queue struct {
	items [][]byte
}

// BufferStats is a snapshot of buffer counters.
type BufferStats struct {
	Pushed uint64
	Popped uint64
	Depth  int
	Keys   int
}

// KeyDepth is the number of payloads queued for one endpoint.
type KeyDepth struct {
	Key   doip.EndpointKey
	Depth int
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		queues: treemap.NewWith(func(a, b interface{}) int {
			return a.(doip.EndpointKey).Compare(b.(doip.EndpointKey))
		}),
	}
}

// Push appends payload to the queue for key.
func (b *Buffer) Push(key doip.EndpointKey, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var q *queue
	if v, found := b.queues.Get(key); found {
		q = v.(*queue)
	} else {
		q = &queue{}
		b.queues.Put(key, q)
	}
	q.items = append(q.items, payload)
	b.depth++
	b.pushed++
}

// PopOldest removes and returns the oldest payload queued for key.
func (b *Buffer) PopOldest(key doip.EndpointKey) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, found := b.queues.Get(key)
	if !found {
		return nil, false
	}
	q := v.(*queue)
	payload := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) == 0 {
		b.queues.Remove(key)
	}
	b.depth--
	b.popped++
	return payload, true
}

// Len returns the number of payloads queued for key.
func (b *Buffer) Len(key doip.EndpointKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v, found := b.queues.Get(key); found {
		return len(v.(*queue).items)
	}
	return 0
}

// Depth returns the total number of queued payloads.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth
}

// Snapshot returns per-endpoint queue depths in key order.
func (b *Buffer) Snapshot() []KeyDepth {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]KeyDepth, 0, b.queues.Size())
	it := b.queues.Iterator()
	for it.Next() {
		out = append(out, KeyDepth{
			Key:   it.Key().(doip.EndpointKey),
			Depth: len(it.Value().(*queue).items),
		})
	}
	return out
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Pushed: b.pushed,
		Popped: b.popped,
		Depth:  b.depth,
		Keys:   b.queues.Size(),
	}
}
