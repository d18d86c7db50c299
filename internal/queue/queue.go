// Package queue provides the unbounded FIFO queues that connect the gateway's
// workers. Producers never block; consumers poll or wait on Notify.
package queue

import "sync"

// Queue is a mutex-guarded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	data   []T
	notify chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

// Push appends v and wakes a waiting consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.data = append(q.data, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return v, false
	}
	v = q.data[0]
	var zero T
	q.data[0] = zero
	q.data = q.data[1:]
	return v, true
}

// Drain removes and returns every queued item in FIFO order, or nil.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	out := q.data
	q.data = nil
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Notify returns a channel that receives after a Push. A single receive may
// cover several pushes, so consumers drain until Pop reports empty.
func (q *Queue[T]) Notify() <-chan struct{} {
	return q.notify
}
