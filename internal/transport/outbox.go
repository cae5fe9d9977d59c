package transport

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// DefaultQueueSize bounds the per-session send queue.
const DefaultQueueSize = 32

// Outbox is a bounded FIFO of outbound chunks with a single consumer. Push
// never blocks: when the queue is full the oldest chunk is discarded so that
// the freshest audio reaches the engine.
type Outbox struct {
	mu      sync.Mutex
	buf     []audio.EncodedChunk
	head    int
	n       int
	dropped int
	closed  bool
	ready   chan struct{} // capacity 1; signalled on Push and Close
}

// NewOutbox returns an outbox holding up to size chunks. Non-positive sizes
// select [DefaultQueueSize].
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{
		buf:   make([]audio.EncodedChunk, size),
		ready: make(chan struct{}, 1),
	}
}

// Push appends c. It reports whether an older chunk had to be dropped to make
// room. Pushing to a closed outbox is a no-op.
func (o *Outbox) Push(c audio.EncodedChunk) (dropped bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if o.n == len(o.buf) {
		o.buf[o.head] = audio.EncodedChunk{}
		o.head = (o.head + 1) % len(o.buf)
		o.n--
		o.dropped++
		dropped = true
	}
	o.buf[(o.head+o.n)%len(o.buf)] = c
	o.n++
	o.mu.Unlock()

	o.signal()
	return dropped
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest chunk without blocking.
func (o *Outbox) TryPop() (audio.EncodedChunk, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == 0 {
		return audio.EncodedChunk{}, false
	}
	c := o.buf[o.head]
	o.buf[o.head] = audio.EncodedChunk{}
	o.head = (o.head + 1) % len(o.buf)
	o.n--
	return c, true
}

// Pop blocks until a chunk is available, the outbox is closed and drained, or
// ctx is done. ok is false in the latter two cases.
func (o *Outbox) Pop(ctx context.Context) (c audio.EncodedChunk, ok bool) {
	for {
		if c, ok := o.TryPop(); ok {
			return c, true
		}
		o.mu.Lock()
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return audio.EncodedChunk{}, false
		}
		select {
		case <-o.ready:
		case <-ctx.Done():
			return audio.EncodedChunk{}, false
		}
	}
}

// Len returns the number of queued chunks.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

// Dropped returns the total number of chunks discarded by overflow.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close stops accepting chunks and wakes a blocked Pop. Chunks already queued
// can still be drained.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}
