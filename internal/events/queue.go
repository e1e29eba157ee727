// Package events bridges synchronous event producers to streaming consumers
// and encodes events in the SSE wire format.
package events

import "sync"

// Queue is an unbounded multi-producer, single-consumer queue. Push never
// blocks, so a producer running on a watcher goroutine cannot be stalled by
// a slow consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	signal chan struct{}
	done   chan struct{}
	out    chan T
}

// NewQueue creates a queue and starts its delivery goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go q.pump()
	return q
}

// Push appends v. It returns false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Out returns the channel items are delivered on, in push order. It is
// closed after Close; items still pending at that point are dropped.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of items not yet handed to the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- item:
		case <-q.done:
			return
		}
	}
}
