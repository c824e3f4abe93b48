// Package queue provides a closable FIFO shared between pipeline stages.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Push after Close has been called.
	ErrClosed = errors.New("queue closed")

	// ErrDrained is returned by Pop once the queue is closed and empty.
	// No further items will ever be delivered.
	ErrDrained = errors.New("queue drained")
)

// Queue is a FIFO safe for concurrent producers and consumers.
// A positive capacity bounds it: Push blocks while the queue is full.
// Receivers block in Pop until an item arrives or the queue is closed,
// so no stage has to poll a shared flag.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	head     int
	capacity int
	closed   bool
}

// New creates a queue. capacity <= 0 means unbounded.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends item, waiting for room when the queue is bounded and full.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.lenLocked() >= q.capacity && !q.closed {
		stop := context.AfterFunc(ctx, q.wakeAll)
		defer stop()

		for q.lenLocked() >= q.capacity && !q.closed {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.notFull.Wait()
		}
	}

	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return nil
}

// TryPop removes and returns the head without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Pop removes and returns the head, blocking until an item is available.
// It returns ErrDrained when the queue is closed and empty, or ctx.Err()
// when the context is cancelled first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 && !q.closed {
		stop := context.AfterFunc(ctx, q.wakeAll)
		defer stop()

		for q.lenLocked() == 0 && !q.closed {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			q.notEmpty.Wait()
		}
	}

	if q.lenLocked() == 0 {
		return zero, ErrDrained
	}
	return q.popLocked(), nil
}

// Close marks the queue as complete. Items already queued remain poppable.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// IsEmpty is a point-in-time snapshot.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Cap returns the configured capacity (0 when unbounded).
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head > 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	q.notFull.Signal()
	return item
}

// wakeAll is invoked on context cancellation so blocked waiters can observe ctx.Err().
func (q *Queue[T]) wakeAll() {
	q.mu.Lock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}
