// Package bus is an in-process message bus with topic routing patterns
// and explicit acknowledge/reject delivery. A rejected delivery is not
// requeued; the subscriber decides what happens to the payload.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus closed")

// Delivery is one message handed to a subscriber. Exactly one of Ack or
// Reject must be called; calling either again is a no-op.
type Delivery struct {
	Topic   string
	Payload []byte

	once   sync.Once
	ack    func()
	reject func(reason string)
}

// Ack confirms successful processing.
func (d *Delivery) Ack() {
	d.once.Do(d.ack)
}

// Reject removes the message from circulation without requeueing.
func (d *Delivery) Reject(reason string) {
	d.once.Do(func() { d.reject(reason) })
}

// RejectFunc receives rejected deliveries, e.g. to persist dead letters.
type RejectFunc func(topic string, payload []byte, reason string)

// subscription binds a routing pattern to a delivery channel.
type subscription struct {
	pattern string
	ch      chan *Delivery
}

// Bus routes published messages to pattern-matched subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     []*subscription
	closed   bool
	logger   *zap.Logger
	onReject RejectFunc
	buffer   int
}

// Options configures a Bus.
type Options struct {
	Logger *zap.Logger

	// OnReject receives every rejected delivery. Nil means rejections
	// are only logged.
	OnReject RejectFunc

	// Buffer is the per-subscription channel capacity. Zero means 64.
	Buffer int
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &Bus{
		logger:   opts.Logger,
		onReject: opts.OnReject,
		buffer:   opts.Buffer,
	}
}

// Subscribe binds a routing pattern and returns the delivery channel.
// Patterns are dot-separated with "*" matching one segment and "#"
// matching the remainder, e.g. "position.*" or "close-order.#".
func (b *Bus) Subscribe(pattern string) (<-chan *Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &subscription{pattern: pattern, ch: make(chan *Delivery, b.buffer)}
	b.subs = append(b.subs, sub)
	return sub.ch, nil
}

// Publish delivers the payload to every matching subscriber. A full
// subscriber channel drops the delivery for that subscriber with a log
// line rather than blocking the publisher.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if !Match(sub.pattern, topic) {
			continue
		}
		d := &Delivery{
			Topic:   topic,
			Payload: payload,
			ack:     func() {},
			reject: func(reason string) {
				b.logger.Warn("delivery rejected",
					zap.String("topic", topic),
					zap.String("reason", reason))
				if b.onReject != nil {
					b.onReject(topic, payload, reason)
				}
			},
		}
		select {
		case sub.ch <- d:
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.logger.Warn("subscriber channel full, dropping delivery",
				zap.String("topic", topic),
				zap.String("pattern", sub.pattern))
		}
	}
	return nil
}

// Close stops the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// Match reports whether a routing pattern matches a topic. Both are
// dot-separated; "*" matches exactly one segment, "#" matches zero or
// more trailing segments.
func Match(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")

	for i, p := range ps {
		if p == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
