// Package socket tracks live intercepted connections by endpoint address.
package socket

import (
	"sync"

	"firestige.xyz/wstap/internal/metrics"
)

// Entry is one tracked connection.
type Entry[C comparable] struct {
	Addr string
	Conn C
}

// Registry maps endpoint addresses to connections, at most one per address,
// and remembers insertion order for selection. It is thread-safe.
type Registry[C comparable] struct {
	mu      sync.RWMutex
	entries []Entry[C]
	index   map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry[C comparable]() *Registry[C] {
	return &Registry[C]{index: make(map[string]int)}
}

// Register maps addr to conn. A previous connection at addr is replaced and
// conn moves to the end of the selection order.
func (r *Registry[C]) Register(addr string, conn C) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[addr]; ok {
		r.removeAt(i)
	}
	r.index[addr] = len(r.entries)
	r.entries = append(r.entries, Entry[C]{Addr: addr, Conn: conn})
	metrics.TrackedConnections.Set(float64(len(r.entries)))
}

// Unregister removes addr only if it still maps to conn. It reports whether
// an entry was removed; a stale close after the address was reused is a no-op.
func (r *Registry[C]) Unregister(addr string, conn C) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[addr]
	if !ok || r.entries[i].Conn != conn {
		return false
	}
	r.removeAt(i)
	metrics.TrackedConnections.Set(float64(len(r.entries)))
	return true
}

// removeAt deletes entry i and reindexes. Caller holds the write lock.
func (r *Registry[C]) removeAt(i int) {
	delete(r.index, r.entries[i].Addr)
	r.entries = append(r.entries[:i], r.entries[i+1:]...)
	for j := i; j < len(r.entries); j++ {
		r.index[r.entries[j].Addr] = j
	}
}

// Get returns the connection registered at addr.
func (r *Registry[C]) Get(addr string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero C
	i, ok := r.index[addr]
	if !ok {
		return zero, false
	}
	return r.entries[i].Conn, true
}

// Select returns the first entry in insertion order matching pred.
// pred runs without the registry lock held.
func (r *Registry[C]) Select(pred func(addr string, conn C) bool) (string, C, bool) {
	for _, e := range r.Snapshot() {
		if pred(e.Addr, e.Conn) {
			return e.Addr, e.Conn, true
		}
	}
	var zero C
	return "", zero, false
}

// Snapshot returns the entries in insertion order.
func (r *Registry[C]) Snapshot() []Entry[C] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry[C], len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of tracked connections.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
