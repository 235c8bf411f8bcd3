package peerbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// PoolConfig configures an EncoderPool.
type PoolConfig struct {
	Factory   EncoderFactory // nil = NewVideoEncoder
	QueueSize int            // Request queue per controller (default 32)
	Logger    zerolog.Logger
	Metrics   *Metrics

	// OnEvent observes controller state and subscriber-count changes.
	OnEvent func(ControllerEvent)
}

// EncoderPool deduplicates encoders by CodecSignature. At most one live
// controller exists per signature; it terminates when its last subscriber
// leaves and the next Acquire spawns a fresh one.
type EncoderPool struct {
	factory   EncoderFactory
	queueSize int
	log       zerolog.Logger
	metrics   *Metrics
	onEvent   func(ControllerEvent)

	mu          sync.Mutex
	controllers map[CodecSignature]*EncoderController
	closed      bool

	spawned atomic.Uint64
}

// NewEncoderPool creates an empty pool.
func NewEncoderPool(cfg PoolConfig) *EncoderPool {
	if cfg.Factory == nil {
		cfg.Factory = NewVideoEncoder
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().EncoderQueueSize
	}
	return &EncoderPool{
		factory:     cfg.Factory,
		queueSize:   cfg.QueueSize,
		log:         cfg.Logger.With().Str("component", "encoder_pool").Logger(),
		metrics:     cfg.Metrics,
		onEvent:     cfg.OnEvent,
		controllers: make(map[CodecSignature]*EncoderController),
	}
}

// Acquire attaches sub to the controller for cfg's signature, spawning one if
// none is live. Concurrent Acquires with one signature share one spawn; all
// of them see the same ErrResourceInitFailed if that spawn fails.
func (p *EncoderPool) Acquire(ctx context.Context, cfg EncoderConfig, sub Subscriber) (*Subscription, error) {
	if sub == nil {
		return nil, errors.New("nil subscriber")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	sig := Signature(cfg)
	id := uuid.NewString()

	for {
		c, err := p.controllerFor(sig, cfg)
		if err != nil {
			return nil, err
		}

		if err := c.waitReady(ctx); err != nil {
			if !errors.Is(err, ErrResourceInitFailed) {
				p.abandon(c, id)
			}
			return nil, err
		}

		err = c.call(ctx, controllerRequest{kind: reqAttach, id: id, sub: sub})
		switch {
		case err == nil:
			return &Subscription{id: id, ctrl: c}, nil
		case errors.Is(err, ErrControllerTerminated):
			// Lost the race with the last detach. It is leaving the map;
			// wait so the retry does not find it again.
			select {
			case <-c.Done():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		default:
			p.abandon(c, id)
			return nil, err
		}
	}
}

// abandon queues a detach for an Acquire that gave up. The attach may still
// land, and a controller nobody attached to must not idle forever; a detach
// on an empty set drains it.
func (p *EncoderPool) abandon(c *EncoderController, id string) {
	go func() {
		_ = c.enqueue(context.Background(), controllerRequest{kind: reqDetach, id: id})
	}()
}

// controllerFor returns the live controller for sig, inserting and starting
// one if absent.
func (p *EncoderPool) controllerFor(sig CodecSignature, cfg EncoderConfig) (*EncoderController, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.controllers[sig]; ok {
		return c, nil
	}

	c := newEncoderController(p, sig, cfg)
	p.controllers[sig] = c
	p.spawned.Add(1)
	p.metrics.controllerSpawned()
	p.log.Debug().Str("signature", sig.String()).Msg("spawning encoder controller")
	go c.run(p.factory)
	return c, nil
}

// remove deletes c's entry if it is still the one mapped under its signature.
func (p *EncoderPool) remove(c *EncoderController) {
	p.mu.Lock()
	if p.controllers[c.sig] == c {
		delete(p.controllers, c.sig)
	}
	p.mu.Unlock()
}

// Submit encodes frame on the live controller for sig and fans the result
// out to its subscribers. Returns when the frame has been delivered.
func (p *EncoderPool) Submit(ctx context.Context, sig CodecSignature, frame *VideoFrame) error {
	c, ok := p.Lookup(sig)
	if !ok {
		return ErrNoController
	}
	if err := c.waitReady(ctx); err != nil {
		return err
	}
	return c.call(ctx, controllerRequest{kind: reqEncode, frame: frame})
}

// Lookup returns the live controller for sig.
func (p *EncoderPool) Lookup(sig CodecSignature) (*EncoderController, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.controllers[sig]
	return c, ok
}

// Len returns the number of live controllers.
func (p *EncoderPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.controllers)
}

// Spawned returns how many controllers the pool has ever started.
func (p *EncoderPool) Spawned() uint64 {
	return p.spawned.Load()
}

// Controllers returns a snapshot of the live controllers.
func (p *EncoderPool) Controllers() []*EncoderController {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*EncoderController, 0, len(p.controllers))
	for _, c := range p.controllers {
		out = append(out, c)
	}
	return out
}

// Close shuts every controller down, detaching their subscribers, and waits
// for them to terminate. Acquire fails with ErrPoolClosed afterwards.
func (p *EncoderPool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var result *multierror.Error
	for _, c := range p.Controllers() {
		if err := c.enqueue(ctx, controllerRequest{kind: reqShutdown}); err != nil {
			if !errors.Is(err, ErrControllerTerminated) {
				result = multierror.Append(result, fmt.Errorf("shutdown %s: %w", c.sig, err))
			}
			continue
		}
		select {
		case <-c.Done():
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("shutdown %s: %w", c.sig, ctx.Err()))
		}
	}
	return result.ErrorOrNil()
}

// Subscription is one subscriber's attachment to a pooled encoder.
type Subscription struct {
	id       string
	ctrl     *EncoderController
	released atomic.Bool
}

// ID returns the subscriber id assigned at Acquire.
func (s *Subscription) ID() string { return s.id }

// Signature returns the signature of the shared encoder.
func (s *Subscription) Signature() CodecSignature { return s.ctrl.sig }

// Controller returns the controller the subscription is attached to.
func (s *Subscription) Controller() *EncoderController { return s.ctrl }

// Released reports whether Release has been called.
func (s *Subscription) Released() bool { return s.released.Load() }

// Encode submits frame to the shared encoder. Every subscriber of the
// encoder receives the output, not only this one.
func (s *Subscription) Encode(ctx context.Context, frame *VideoFrame) error {
	if s.released.Load() {
		return ErrSubscriptionReleased
	}
	return s.ctrl.call(ctx, controllerRequest{kind: reqEncode, frame: frame})
}

// RequestKeyframe asks the shared encoder for a keyframe. Dropped if the
// request queue is full.
func (s *Subscription) RequestKeyframe() {
	if s.released.Load() {
		return
	}
	select {
	case s.ctrl.requests <- controllerRequest{kind: reqKeyframe}:
	case <-s.ctrl.done:
	default:
	}
}

// Release detaches the subscriber. Idempotent. The detach is queued even if
// ctx ends first; ctx only bounds how long Release waits for it. From inside
// the subscriber's own Receive it returns at once and the detach runs after
// the current fan-out.
func (s *Subscription) Release(ctx context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	if s.ctrl.inReceive(s.id) {
		// The worker is blocked on us; waiting for its reply would deadlock.
		go func() {
			_ = s.ctrl.enqueue(context.Background(), controllerRequest{kind: reqDetach, id: s.id})
		}()
		return nil
	}
	req := controllerRequest{kind: reqDetach, id: s.id, reply: make(chan error, 1)}
	if err := s.ctrl.enqueue(context.Background(), req); err != nil {
		if errors.Is(err, ErrControllerTerminated) {
			return nil
		}
		return err
	}
	err := s.ctrl.await(ctx, req)
	if errors.Is(err, ErrControllerTerminated) {
		return nil
	}
	return err
}
