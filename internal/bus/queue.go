// Package bus carries typed messages from the capture/session task to the
// slower consumer tasks (network, display, indicator) through bounded FIFO
// queues, one queue per consumer role.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by [Queue.Enqueue] when the queue stayed full
	// for the whole enqueue timeout.
	ErrQueueFull = errors.New("bus: queue full")

	// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
	ErrClosed = errors.New("bus: queue closed")
)

// Queue is a bounded FIFO of T. It is safe for concurrent use by any number
// of producers and consumers.
type Queue[T any] struct {
	name string
	ch   chan T

	closeOnce sync.Once
	done      chan struct{}
}

// NewQueue returns a queue holding at most capacity messages. A
// non-positive capacity is treated as 1.
func NewQueue[T any](name string, capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name: name,
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Name returns the queue's label, used in logs and metrics.
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of queued messages.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Enqueue places msg at the tail. When the queue is full it waits up to
// timeout for space; a zero timeout fails immediately. On error the caller
// keeps ownership of msg.
func (q *Queue[T]) Enqueue(ctx context.Context, msg T, timeout time.Duration) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- msg:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- msg:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue removes the head message, waiting up to timeout for one to arrive.
// It reports false on timeout, cancellation, or once the queue is closed and
// drained.
func (q *Queue[T]) Dequeue(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	select {
	case msg := <-q.ch:
		return msg, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-q.ch:
		return msg, true
	case <-timer.C:
		return zero, false
	case <-q.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Drain removes every queued message and passes it to fn.
func (q *Queue[T]) Drain(fn func(T)) {
	for {
		select {
		case msg := <-q.ch:
			if fn != nil {
				fn(msg)
			}
		default:
			return
		}
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Close rejects further enqueues and wakes blocked consumers. Messages still
// queued remain available to Dequeue and Drain.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
