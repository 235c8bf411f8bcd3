package peerbridge

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
)

type result[T any] struct {
	value T
	err   error
}

// Completer is the engine-facing half of a one-shot operation. The engine
// receives it as an Observer and calls OnSuccess or OnFailure exactly once,
// from any goroutine.
//
// The sending half of the capacity-one channel is moved out of the Completer
// on first use, so a second delivery has nothing to send on. A Completer that
// is dropped (explicitly or by the garbage collector) without delivering
// closes the channel, which the awaiting side observes as ErrChannelClosed.
type Completer[T any] struct {
	op string
	ch atomic.Pointer[chan result[T]]
}

// Pending is the caller-facing half of a one-shot operation.
type Pending[T any] struct {
	op string
	ch atomic.Pointer[<-chan result[T]]
}

// NewCompletion creates a linked Completer/Pending pair for the named operation.
func NewCompletion[T any](op string) (*Completer[T], *Pending[T]) {
	ch := make(chan result[T], 1)

	c := &Completer[T]{op: op}
	c.ch.Store(&ch)
	runtime.SetFinalizer(c, func(c *Completer[T]) { c.Drop() })

	p := &Pending[T]{op: op}
	var recv <-chan result[T] = ch
	p.ch.Store(&recv)

	return c, p
}

// Issue hands a fresh Completer to request and awaits its result.
func Issue[T any](ctx context.Context, op string, request func(Observer[T])) (T, error) {
	c, p := NewCompletion[T](op)
	request(c)
	return p.Await(ctx)
}

func (c *Completer[T]) take() (chan result[T], bool) {
	ptr := c.ch.Swap(nil)
	if ptr == nil {
		return nil, false
	}
	return *ptr, true
}

// Op returns the operation name.
func (c *Completer[T]) Op() string { return c.op }

// Completed reports whether the Completer has already delivered or been dropped.
func (c *Completer[T]) Completed() bool { return c.ch.Load() == nil }

// Resolve delivers a value. Returns false if the Completer was already used.
func (c *Completer[T]) Resolve(v T) bool {
	ch, ok := c.take()
	if !ok {
		return false
	}
	ch <- result[T]{value: v}
	close(ch)
	return true
}

// Reject delivers a failure. Errors that are not already *EngineError are
// wrapped so errors.Is(err, ErrEngineRejected) holds on the awaiting side.
// Returns false if the Completer was already used.
func (c *Completer[T]) Reject(err error) bool {
	ch, ok := c.take()
	if !ok {
		return false
	}
	ch <- result[T]{err: c.engineError(err)}
	close(ch)
	return true
}

// Drop closes the channel without a result. Returns false if the Completer
// was already used.
func (c *Completer[T]) Drop() bool {
	ch, ok := c.take()
	if !ok {
		return false
	}
	close(ch)
	return true
}

// OnSuccess implements Observer.
func (c *Completer[T]) OnSuccess(v T) { c.Resolve(v) }

// OnFailure implements Observer.
func (c *Completer[T]) OnFailure(err error) { c.Reject(err) }

func (c *Completer[T]) engineError(err error) error {
	if ee, ok := err.(*EngineError); ok {
		if ee.Op == "" {
			ee.Op = c.op
		}
		return ee
	}
	if err == nil {
		return &EngineError{Op: c.op, Message: "unspecified failure"}
	}
	return &EngineError{Op: c.op, Message: err.Error(), Err: err}
}

// Op returns the operation name.
func (p *Pending[T]) Op() string { return p.op }

// Await blocks until the engine delivers, the Completer is dropped, or ctx is
// done. The receiving half is consumed by the first call, later calls return
// ErrAlreadyAwaited. On ctx expiry the result is abandoned: a late delivery
// lands in the buffered slot and is collected with the channel.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	var zero T

	ptr := p.ch.Swap(nil)
	if ptr == nil {
		return zero, fmt.Errorf("%s: %w", p.op, ErrAlreadyAwaited)
	}
	ch := *ptr

	select {
	case r, ok := <-ch:
		return unpack(p.op, r, ok)
	case <-ctx.Done():
		// A result that raced with the deadline still wins.
		select {
		case r, ok := <-ch:
			return unpack(p.op, r, ok)
		default:
		}
		return zero, fmt.Errorf("%s: %w", p.op, ctx.Err())
	}
}

func unpack[T any](op string, r result[T], ok bool) (T, error) {
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, ErrChannelClosed)
	}
	return r.value, r.err
}
