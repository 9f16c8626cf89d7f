// Package queue provides the bounded buffer between gateway ingestion and
// the detection workers.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned when the buffer is at capacity.
	ErrFull = errors.New("queue is full")
	// ErrClosed is returned once the buffer is closed and drained.
	ErrClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer. Producers never block: a
// full buffer rejects the item so gateway callbacks return immediately.
// Consumers block in PopBlocking until an item arrives or the buffer is
// closed and drained.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	pushed  uint64
	popped  uint64
	dropped uint64
}

// NewRingBuffer creates a buffer with the given capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item. Returns ErrFull at capacity and ErrClosed after Close.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrClosed
	}
	if rb.count == rb.size {
		rb.dropped++
		return ErrFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.pushed++

	rb.cond.Signal()
	return nil
}

// PopBlocking removes and returns the oldest item, blocking until one is
// available. After Close it keeps returning buffered items until the
// buffer is empty, then ErrClosed.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	var zero T
	if rb.count == 0 {
		return zero, ErrClosed
	}

	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero // allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.popped++
	return item, nil
}

// Len returns the number of buffered items.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Close stops accepting items and wakes blocked consumers. Buffered items
// remain poppable.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics holds buffer statistics.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Stats returns a snapshot of buffer statistics.
func (rb *RingBuffer[T]) Stats() Metrics {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Metrics{
		Pushed:   rb.pushed,
		Popped:   rb.popped,
		Dropped:  rb.dropped,
		Depth:    rb.count,
		Capacity: rb.size,
	}
}
