package util

import "sync"

// RingBuffer retains the most recent capacity items pushed into it.
// Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	next int
	full bool
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest entry once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.buf[r.next] = item
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot copies out the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Len reports how many items are currently held.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
