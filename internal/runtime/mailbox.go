// Package runtime hosts the per-strategy execution loops. Each strategy
// owns one mailbox and one sequential loop; strategies share nothing
// mutable, which keeps ledger posting and close-order transitions
// race-free without locking.
package runtime

import (
	"context"
	"errors"
	"sync"

	"lpguard/internal/domain"
)

// ErrMailboxClosed is returned by Enqueue and Dequeue once the mailbox
// has been closed and drained.
var ErrMailboxClosed = errors.New("mailbox closed")

// Envelope pairs an event with its delivery callbacks. Ack confirms
// successful processing; Reject removes the event from circulation
// without requeueing.
type Envelope struct {
	Event  *domain.StrategyEvent
	Ack    func()
	Reject func(reason string)
}

// Mailbox is an ordered per-strategy event queue. Enqueue is append-only
// and FIFO order is preserved. Dequeue blocks on an empty mailbox until
// an event arrives, the context is cancelled, or the mailbox closes; an
// idle strategy consumes no CPU.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	closed bool
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{}, 1)}
}

// Enqueue appends an envelope. Returns ErrMailboxClosed after Close.
func (m *Mailbox) Enqueue(env Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()

	m.signal()
	return nil
}

// Dequeue removes and returns the oldest envelope, blocking while the
// mailbox is empty.
func (m *Mailbox) Dequeue(ctx context.Context) (Envelope, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			env := m.queue[0]
			m.queue = m.queue[1:]
			remaining := len(m.queue)
			m.mu.Unlock()
			if remaining > 0 {
				// One signal may cover several enqueues; re-arm so the
				// next Dequeue does not block on a non-empty queue.
				m.signal()
			}
			return env, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Envelope{}, ErrMailboxClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-m.notify:
		}
	}
}

// Len reports the number of queued envelopes without blocking.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops accepting new envelopes. Queued envelopes remain
// dequeueable; once drained, Dequeue returns ErrMailboxClosed.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
