// Package stream carries generation events from a background task to the
// HTTP response and renders them as server-sent events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"caption-server/internal/domain"
)

// DefaultCapacity is the number of events that may be pending before the
// producer blocks.
const DefaultCapacity = 100

// ErrClosed is returned by Send once the consumer is gone or the channel has
// been closed.
var ErrClosed = errors.New("event stream closed")

// Channel is a bounded, ordered, single-producer/single-consumer conduit.
// The producer owns the channel: it is the only caller of Send and must call
// Close exactly once when it is finished. The consumer's lifetime is tied to
// ctx; once ctx is done, Send fails instead of blocking forever.
type Channel struct {
	ctx       context.Context
	events    chan domain.Event
	closed    atomic.Bool
	closeOnce sync.Once
	sent      atomic.Int64
}

// NewChannel creates a channel whose consumer lives as long as ctx.
func NewChannel(ctx context.Context, capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		ctx:    ctx,
		events: make(chan domain.Event, capacity),
	}
}

// Send queues ev, blocking while the buffer is full. It fails with ErrClosed
// if the consumer has gone away or the channel is already closed.
func (c *Channel) Send(ev domain.Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	// Don't enqueue into a buffer nobody will read
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, context.Cause(c.ctx))
	}

	select {
	case c.events <- ev:
		c.sent.Add(1)
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %w", ErrClosed, context.Cause(c.ctx))
	}
}

// Close ends the stream. Only the first call has any effect.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.events)
	})
}

// Events is the receive side handed to the protocol adapter.
func (c *Channel) Events() <-chan domain.Event {
	return c.events
}

// Sent returns how many events were accepted.
func (c *Channel) Sent() int64 {
	return c.sent.Load()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	return c.closed.Load()
}
