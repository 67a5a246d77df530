// Package buffer provides the bounded histories used for inspector events and
// router timing samples.
package buffer

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push evicts the
// oldest entry. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu sync.RWMutex

	entries  []T
	capacity int
	head     int // index of the next write once the buffer is full
	total    uint64
}

// New creates a ring buffer holding at most capacity entries. A capacity
// below one is treated as one.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends entry, evicting the oldest entry when at capacity.
func (rb *RingBuffer[T]) Push(entry T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.head] = entry
	}
	rb.head = (rb.head + 1) % rb.capacity
	rb.total++
}

// All returns every entry currently held, oldest first.
func (rb *RingBuffer[T]) All() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.orderedLocked()
}

func (rb *RingBuffer[T]) orderedLocked() []T {
	if len(rb.entries) == 0 {
		return nil
	}

	result := make([]T, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		copy(result, rb.entries)
	} else {
		// head points to the oldest entry once wrapped
		n := copy(result, rb.entries[rb.head:])
		copy(result[n:], rb.entries[:rb.head])
	}
	return result
}

// Filtered returns the entries accepted by keep, oldest first.
func (rb *RingBuffer[T]) Filtered(keep func(T) bool) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var result []T
	for _, e := range rb.orderedLocked() {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}

// Last returns the newest n entries, oldest first.
func (rb *RingBuffer[T]) Last(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || len(rb.entries) == 0 {
		return nil
	}
	all := rb.orderedLocked()
	if n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:]
}

// Each calls fn for every entry, oldest first, while holding the read lock.
func (rb *RingBuffer[T]) Each(fn func(T)) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.entries) < rb.capacity {
		for _, e := range rb.entries {
			fn(e)
		}
		return
	}
	for i := 0; i < rb.capacity; i++ {
		fn(rb.entries[(rb.head+i)%rb.capacity])
	}
}

func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// TotalPushed counts every entry ever pushed, including evicted ones.
func (rb *RingBuffer[T]) TotalPushed() uint64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// Clear drops all entries. TotalPushed is preserved.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = rb.entries[:0]
	rb.head = 0
}
