package util

import "sync"

// RingBuffer holds the newest cap items pushed into it. It is safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int  // slot the next Push writes
	full bool // every slot holds an item
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest one when the buffer is full.
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

// Last returns up to n of the newest items, oldest first. n <= 0 returns
// everything held.
func (r *RingBuffer[T]) Last(n int) []T {
	return r.Select(n, nil)
}

// Select returns up to n of the newest items for which keep reports true,
// oldest first. A nil keep matches every item; n <= 0 means no limit.
func (r *RingBuffer[T]) Select(n int, keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.lenLocked()
	var picked []T
	// Walk newest to oldest so the limit keeps the most recent matches.
	for i := 1; i <= size; i++ {
		if n > 0 && len(picked) == n {
			break
		}
		item := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if keep == nil || keep(item) {
			picked = append(picked, item)
		}
	}
	out := make([]T, len(picked))
	for i, item := range picked {
		out[len(picked)-1-i] = item
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lenLocked()
}

func (r *RingBuffer[T]) lenLocked() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}
