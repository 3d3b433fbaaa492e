package bus

import (
	"context"
	"sync"

	"fixengine/pkg/exception"
)

var (
	ErrQueueFull   = exception.ErrQueueFull
	ErrQueueClosed = exception.ErrClosed
)

// Queue is a bounded FIFO feeding a single consumer.
type Queue[T any] struct {
	ch     chan T
	done   chan struct{}
	closed sync.Once
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), done: make(chan struct{})}
}

// TryPublish enqueues without blocking.
func (q *Queue[T]) TryPublish(e T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	default:
		return ErrQueueFull
	}
}

// Publish enqueues, waiting for room until ctx ends or the queue closes.
func (q *Queue[T]) Publish(ctx context.Context, e T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C is the receive side for use in a select loop.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Done is closed once Close is called.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new items. Buffered items stay
// readable from C.
func (q *Queue[T]) Close() {
	q.closed.Do(func() {
		close(q.done)
	})
}

// Run consumes items until the context is done or the queue is closed and
// drained.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.ch:
			handler(e)
		case <-q.done:
			for {
				select {
				case e := <-q.ch:
					handler(e)
				default:
					return
				}
			}
		}
	}
}
