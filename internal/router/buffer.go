package router

import "sync"

// GrowableBuffer is an unbounded FIFO queue on a ring that doubles once it
// is 70% full. Send never blocks, so a transport read loop is never held
// up by a slow handler.
type GrowableBuffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ring   []T
	head   int
	n      int
	closed bool
}

// NewGrowableBuffer creates a buffer with room for size items before the
// first resize.
func NewGrowableBuffer[T any](size int) *GrowableBuffer[T] {
	b := &GrowableBuffer[T]{ring: make([]T, max(size, 1))}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send queues item. It returns false once the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if (b.n+1)*10 >= len(b.ring)*7 {
		b.resize(2 * len(b.ring))
	}
	b.ring[(b.head+b.n)%len(b.ring)] = item
	b.n++
	b.cond.Signal()
	return true
}

// Receive blocks until an item is queued or the buffer is closed. Items
// queued before Close are still delivered; ok is false once the buffer is
// closed and empty.
func (b *GrowableBuffer[T]) Receive() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.n == 0 && !b.closed {
		b.cond.Wait()
	}
	return b.pop()
}

// TryReceive is Receive without blocking.
func (b *GrowableBuffer[T]) TryReceive() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pop()
}

// Close stops accepting items and wakes every blocked receiver.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of queued items.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// pop removes the oldest item. Caller holds mu.
func (b *GrowableBuffer[T]) pop() (item T, ok bool) {
	if b.n == 0 {
		return item, false
	}
	var zero T
	item, b.ring[b.head] = b.ring[b.head], zero
	b.head = (b.head + 1) % len(b.ring)
	b.n--
	return item, true
}

// resize moves the queued items to the front of a ring of size. Caller
// holds mu.
func (b *GrowableBuffer[T]) resize(size int) {
	ring := make([]T, size)
	if b.head+b.n <= len(b.ring) {
		copy(ring, b.ring[b.head:b.head+b.n])
	} else {
		k := copy(ring, b.ring[b.head:])
		copy(ring[k:], b.ring[:b.n-k])
	}
	b.ring = ring
	b.head = 0
}
