package util

import (
	"sync"

	"github.com/gammazero/deque"
)

// Queue is an unbounded FIFO with a wake-up channel. Producers never block;
// a single consumer waits on Ready and then drains with Pop until empty.
type Queue[T any] struct {
	mu    sync.Mutex
	items deque.Deque[T]
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v and wakes the consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items.PushBack(v)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return v, false
	}
	return q.items.PopFront(), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Ready fires at least once after every Push.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
