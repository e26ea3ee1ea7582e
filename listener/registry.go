// Package listener provides an ownership-tracked collection of callback
// registrations.
//
// A Registry hands out a Handle for every registration. Handles are the only
// way to remove a registration, and removing is idempotent: removing twice,
// or removing after the registry has been closed, is a no-op.
//
// Broadcast iterates over a snapshot taken when it starts. A registration
// removed while a broadcast is running still receives that broadcast; it is
// excluded from the next one. Registrations added during a broadcast are
// likewise first seen by the next broadcast.
package listener

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handle identifies one registration in a Registry.
// The zero value is not usable; handles are created by Registry.Add.
type Handle struct {
	id      string
	removed atomic.Bool
	remove  func(id string)
}

// ID returns the unique identifier of the registration.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

// Remove unregisters the callback. Safe to call any number of times,
// concurrently, and after the owning registry is closed.
func (h *Handle) Remove() {
	if h == nil || !h.removed.CompareAndSwap(false, true) {
		return
	}
	h.remove(h.id)
}

// Removed reports whether Remove has been called.
func (h *Handle) Removed() bool {
	return h == nil || h.removed.Load()
}

type entry[T any] struct {
	handle *Handle
	value  T
}

// Registry holds registrations of type T in insertion order.
// Safe for concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	closed  bool
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Add registers v and returns its handle. Adding to a closed registry
// returns a handle that is already removed.
func (r *Registry[T]) Add(v T) *Handle {
	h := &Handle{id: uuid.NewString(), remove: r.removeID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		h.removed.Store(true)
		return h
	}
	r.entries = append(r.entries, entry[T]{handle: h, value: v})
	return h
}

func (r *Registry[T]) removeID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle.id == id {
			// Copy-on-write so snapshots held by running broadcasts stay intact.
			next := make([]entry[T], 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			next = append(next, r.entries[i+1:]...)
			r.entries = next
			return
		}
	}
}

// Contains reports whether h is currently registered.
func (r *Registry[T]) Contains(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.handle == h {
			return true
		}
	}
	return false
}

// Len returns the number of active registrations.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the registered values in insertion order.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	entries := r.entries
	r.mu.RUnlock()

	values := make([]T, len(entries))
	for i, e := range entries {
		values[i] = e.value
	}
	return values
}

// Broadcast calls fn for every registration present when Broadcast starts.
func (r *Registry[T]) Broadcast(fn func(T)) {
	for _, v := range r.Snapshot() {
		fn(v)
	}
}

// Close removes every registration. Outstanding handles become no-ops and
// later Add calls return removed handles.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.closed = true
	r.mu.Unlock()

	for _, e := range entries {
		e.handle.removed.Store(true)
	}
}
