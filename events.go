package peerbridge

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy decides what an EventChannel does when its queue is full.
type OverflowPolicy int

const (
	// OverflowBlock blocks the delivering engine goroutine until the consumer
	// makes room, the channel is detached, or BlockTimeout elapses (after which
	// the new event is dropped). Only for low-frequency events.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest queued event to make room.
	OverflowDropOldest
	// OverflowDropNewest discards the event being delivered.
	OverflowDropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowDropNewest:
		return "drop-newest"
	default:
		return "unknown"
	}
}

// EventChannelConfig configures an EventChannel.
type EventChannelConfig struct {
	Name         string         // Used in errors, logs and metric labels
	Size         int            // Queue bound (minimum 1)
	Policy       OverflowPolicy // Behavior when the queue is full
	BlockTimeout time.Duration  // OverflowBlock only; 0 = block until room or detach
	OnDrop       func()         // Optional, called once per dropped event
}

// EventChannelStats counts events seen by an EventChannel.
type EventChannelStats struct {
	Delivered uint64 // Events queued for the consumer
	Dropped   uint64 // Events lost to the overflow policy
	Ignored   uint64 // Events that arrived after Detach
}

// EventChannel adapts a recurring engine callback into an ordered sequence.
// The engine calls OnEvent any number of times from its own goroutines; the
// consumer reads with Next or ranges over All. Delivery order equals the
// order of OnEvent calls.
//
// Detach and OnEvent are mutually exclusive through the channel's lock. After
// Detach, OnEvent is a no-op; events already queued stay readable, then Next
// returns ErrChannelClosed.
type EventChannel[T any] struct {
	cfg EventChannelConfig

	queue chan T
	done  chan struct{}

	mu         sync.Mutex
	detached   bool
	detachOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
	ignored   atomic.Uint64
}

// NewEventChannel creates an attached EventChannel.
func NewEventChannel[T any](cfg EventChannelConfig) *EventChannel[T] {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &EventChannel[T]{
		cfg:   cfg,
		queue: make(chan T, cfg.Size),
		done:  make(chan struct{}),
	}
}

// Name returns the configured name.
func (c *EventChannel[T]) Name() string { return c.cfg.Name }

// Policy returns the overflow policy.
func (c *EventChannel[T]) Policy() OverflowPolicy { return c.cfg.Policy }

// OnEvent implements EventSink. It never panics and never blocks past the
// configured policy, even if the consumer is gone.
func (c *EventChannel[T]) OnEvent(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		c.ignored.Add(1)
		return
	}

	select {
	case c.queue <- v:
		c.delivered.Add(1)
		return
	default:
	}

	switch c.cfg.Policy {
	case OverflowDropNewest:
		c.drop()

	case OverflowDropOldest:
		select {
		case <-c.queue:
			c.drop()
		default:
		}
		select {
		case c.queue <- v:
			c.delivered.Add(1)
		default:
			c.drop()
		}

	default:
		var timeout <-chan time.Time
		if c.cfg.BlockTimeout > 0 {
			timer := time.NewTimer(c.cfg.BlockTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case c.queue <- v:
			c.delivered.Add(1)
		case <-c.done:
			c.ignored.Add(1)
		case <-timeout:
			c.drop()
		}
	}
}

func (c *EventChannel[T]) drop() {
	c.dropped.Add(1)
	if c.cfg.OnDrop != nil {
		c.cfg.OnDrop()
	}
}

// Next returns the next event. It returns ErrChannelClosed once the channel
// is detached and drained.
func (c *EventChannel[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-c.queue:
		if !ok {
			return zero, fmt.Errorf("%s: %w", c.cfg.Name, ErrChannelClosed)
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// All returns a lazy sequence of events that ends when the channel is
// detached and drained, or ctx is done.
func (c *EventChannel[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := c.Next(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Detach stops accepting events. Safe to call concurrently with OnEvent and
// more than once.
func (c *EventChannel[T]) Detach() {
	c.detachOnce.Do(func() {
		// Wakes an OnEvent blocked under OverflowBlock so the lock frees up.
		close(c.done)

		c.mu.Lock()
		c.detached = true
		close(c.queue)
		c.mu.Unlock()
	})
}

// Detached reports whether Detach has been called.
func (c *EventChannel[T]) Detached() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued events.
func (c *EventChannel[T]) Len() int { return len(c.queue) }

// Stats returns delivery counters.
func (c *EventChannel[T]) Stats() EventChannelStats {
	return EventChannelStats{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Ignored:   c.ignored.Load(),
	}
}
