// Package queue provides the bounded hand-off queue used on both sides of the
// engine: the delivery channel between the broker subscriber and the
// dispatcher, and the outbound relay between the engine and the forwarder.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Put once the queue is closed, and by Get once
	// it is closed and drained.
	ErrClosed = errors.New("queue: closed")
	// ErrFull is returned by TryPut when no capacity is left.
	ErrFull = errors.New("queue: full")
)

// Queue is a bounded FIFO safe for any number of producers and consumers.
// Every item accepted by Put is returned by exactly one Get.
type Queue[T any] struct {
	items chan T
	// closing is closed first and wakes blocked producers. closed follows
	// once no Put or TryPut is in flight, so Get only reports ErrClosed
	// after every accepted item is buffered.
	closing   chan struct{}
	closed    chan struct{}
	puts      sync.RWMutex
	closeOnce sync.Once
}

// New returns a queue holding at most capacity items. A capacity below one is
// treated as one.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:   make(chan T, capacity),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Put blocks until v is enqueued, ctx ends, or the queue is closed. Once
// Close has returned, Put always fails with ErrClosed.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	q.puts.RLock()
	defer q.puts.RUnlock()

	select {
	case <-q.closing:
		return ErrClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	case <-q.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut enqueues v only if there is room right now.
func (q *Queue[T]) TryPut(v T) error {
	q.puts.RLock()
	defer q.puts.RUnlock()

	select {
	case <-q.closing:
		return ErrClosed
	default:
	}

	select {
	case q.items <- v:
		return nil
	default:
		return ErrFull
	}
}

// Get blocks until an item is available or ctx ends. Items still buffered when
// the queue is closed are handed out before ErrClosed is returned.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-q.items:
		return v, nil
	default:
	}

	select {
	case v := <-q.items:
		return v, nil
	case <-q.closed:
		select {
		case v := <-q.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.items) }

// Close stops the queue from accepting items and waits for producers that
// are mid-Put to give up. It is safe to call repeatedly.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.puts.Lock()
		close(q.closed)
		q.puts.Unlock()
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.closing:
		return true
	default:
		return false
	}
}
