// Package queue provides a thread-safe bounded ring buffer used to hand
// signals from the registries to their subscribers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 4096

// RingBuffer is a thread-safe circular buffer.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// Pop removes and returns an item from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return rb.take(), nil
}

// PopBlocking removes and returns an item from the queue.
// Blocks until an item is available or the queue is closed.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueClosed
	}
	return rb.take(), nil
}

// PopWithTimeout removes and returns an item from the queue.
// Returns ErrQueueEmpty if no item is available within the timeout.
// Remaining items are still drained after Close.
func (rb *RingBuffer[T]) PopWithTimeout(timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	// A single timer wakes every waiter once the deadline passes.
	timer := time.AfterFunc(timeout, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer timer.Stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if !time.Now().Before(deadline) {
			return zero, ErrQueueEmpty
		}
		rb.cond.Wait()
	}

	if rb.count == 0 {
		return zero, ErrQueueClosed
	}
	return rb.take(), nil
}

// take pops the head item. Caller holds rb.mu and has checked count > 0.
func (rb *RingBuffer[T]) take() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return item
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer[T]) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer[T]) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close closes the queue and wakes up any waiting consumers.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() Metrics {
	return Metrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// Metrics holds statistics about queue operations.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
