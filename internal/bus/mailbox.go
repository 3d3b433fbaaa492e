package bus

import (
	"context"
	"sync"
)

// Mailbox is an unbounded FIFO for a single consumer. Producers never block,
// so a consumer that calls back into its producer cannot deadlock on it.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends v.
func (m *Mailbox[T]) Put(v T) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrQueueClosed
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further puts. Run still drains what is queued.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run hands items to handler in order until ctx ends, or the mailbox is
// closed and empty.
func (m *Mailbox[T]) Run(ctx context.Context, handler func(T)) {
	for {
		m.mu.Lock()
		batch := m.items
		m.items = nil
		closed := m.closed
		m.mu.Unlock()

		for _, v := range batch {
			if ctx.Err() != nil {
				return
			}
			handler(v)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.notify:
		}
	}
}
