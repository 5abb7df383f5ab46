// Package ringbuf implements a fixed-capacity FIFO buffer with a configurable overflow policy.
package ringbuf

import "sync"

// OverflowPolicy decides what happens when Push is called on a full buffer.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropNewest keeps the buffered items and discards the new one.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// Buffer is a thread-safe circular buffer.
type Buffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	policy   OverflowPolicy
	dropped  uint64
}

// New creates a buffer holding at most capacity items. Capacity below 1 is raised to 1.
func New[T any](capacity int, policy OverflowPolicy) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
}

// Push appends item. It reports whether item was stored: false only under
// DropNewest when the buffer is full.
func (b *Buffer[T]) Push(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == b.capacity {
		switch b.policy {
		case DropNewest:
			b.dropped++
			return false
		default:
			var zero T
			b.items[b.tail] = zero
			b.tail = (b.tail + 1) % b.capacity
			b.size--
			b.dropped++
		}
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	b.size++
	return true
}

// Peek returns the oldest item without removing it.
func (b *Buffer[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	return b.items[b.tail], true
}

// Pop removes and returns the oldest item.
func (b *Buffer[T]) Pop() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.tail]
	b.items[b.tail] = zero // release for GC
	b.tail = (b.tail + 1) % b.capacity
	b.size--
	return item, true
}

// Snapshot returns a copy of the buffered items, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.items[(b.tail+i)%b.capacity]
	}
	return out
}

// Last returns up to n of the newest items, oldest first. n <= 0 returns everything.
func (b *Buffer[T]) Last(n int) []T {
	all := b.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Dropped returns how many items were evicted or rejected on overflow.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Clear removes all items.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.items)
	b.head, b.tail, b.size = 0, 0, 0
}
