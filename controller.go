package peerbridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ControllerState is the lifecycle state of an EncoderController.
type ControllerState int32

const (
	ControllerSpawning   ControllerState = iota // Worker creating the encoder
	ControllerRunning                           // Accepting attach/detach/encode
	ControllerDraining                          // Last subscriber left, releasing encoder
	ControllerTerminated                        // Worker exited, pool entry removed
)

func (s ControllerState) String() string {
	switch s {
	case ControllerSpawning:
		return "spawning"
	case ControllerRunning:
		return "running"
	case ControllerDraining:
		return "draining"
	case ControllerTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// UnitMetadata accompanies every encoded unit delivered to subscribers.
type UnitMetadata struct {
	Signature     CodecSignature
	Sequence      uint64 // 1-based, per controller
	FrameType     FrameType
	Timestamp     uint32 // RTP timestamp (90kHz)
	Duration      uint32 // RTP timestamp units
	TemporalLayer uint8
	SpatialLayer  uint8
	EncodedAt     time.Time
}

// Subscriber receives encoded units from a shared encoder.
//
// Receive runs on the controller's worker goroutine, in attachment order with
// the other subscribers. It must return quickly. Release called from inside
// Receive does not wait; the detach lands after the current fan-out. unit is
// shared by every subscriber and must be
// treated as read-only.
type Subscriber interface {
	Receive(unit *EncodedFrame, meta UnitMetadata) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(unit *EncodedFrame, meta UnitMetadata) error

// Receive implements Subscriber.
func (f SubscriberFunc) Receive(unit *EncodedFrame, meta UnitMetadata) error {
	return f(unit, meta)
}

// ControllerEvent reports a state or subscriber-count change. Emitted on the
// worker goroutine, in order.
type ControllerEvent struct {
	Signature   CodecSignature
	State       ControllerState
	Subscribers int
}

// ControllerStats provides controller metrics.
type ControllerStats struct {
	Subscribers        int
	FramesSubmitted    uint64
	UnitsProduced      uint64
	EncodeErrors       uint64
	SubscriberFailures uint64
}

type requestKind int

const (
	reqAttach requestKind = iota
	reqDetach
	reqEncode
	reqKeyframe
	reqShutdown
)

type controllerRequest struct {
	kind  requestKind
	id    string
	sub   Subscriber
	frame *VideoFrame
	reply chan error // nil for fire-and-forget requests
}

type subscriberEntry struct {
	id  string
	sub Subscriber
}

// EncoderController owns one encoder and one worker goroutine for one
// CodecSignature. The subscriber set and the encoder are touched only by the
// worker; everything else reaches them through the request queue, processed
// strictly in arrival order.
type EncoderController struct {
	sig     CodecSignature
	cfg     EncoderConfig
	pool    *EncoderPool
	log     zerolog.Logger
	metrics *Metrics
	onEvent func(ControllerEvent)

	requests chan controllerRequest
	ready    chan struct{} // closed after Spawning
	done     chan struct{} // closed on Terminated
	initErr  error         // written before ready is closed

	state       atomic.Int32
	subscribers atomic.Int32
	submitted   atomic.Uint64
	produced    atomic.Uint64
	encodeErrs  atomic.Uint64
	failures    atomic.Uint64
	receiving   atomic.Pointer[string] // id of the subscriber inside Receive

	// Worker-confined.
	encoder VideoEncoder
	subs    []subscriberEntry
	frames  uint64
}

func newEncoderController(pool *EncoderPool, sig CodecSignature, cfg EncoderConfig) *EncoderController {
	c := &EncoderController{
		sig:      sig,
		cfg:      cfg,
		pool:     pool,
		metrics:  pool.metrics,
		onEvent:  pool.onEvent,
		requests: make(chan controllerRequest, pool.queueSize),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.log = pool.log.With().
		Str("signature", sig.String()).
		Str("codec", cfg.Codec.String()).
		Str("resolution", fmt.Sprintf("%dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)).
		Logger()
	c.state.Store(int32(ControllerSpawning))
	return c
}

// Signature returns the controller's pool key.
func (c *EncoderController) Signature() CodecSignature { return c.sig }

// Config returns the configuration the encoder was created with.
func (c *EncoderController) Config() EncoderConfig { return c.cfg }

// State returns the current lifecycle state.
func (c *EncoderController) State() ControllerState {
	return ControllerState(c.state.Load())
}

// SubscriberCount returns the number of attached subscribers.
func (c *EncoderController) SubscriberCount() int {
	return int(c.subscribers.Load())
}

// Done is closed once the controller is Terminated.
func (c *EncoderController) Done() <-chan struct{} { return c.done }

// Stats returns controller statistics.
func (c *EncoderController) Stats() ControllerStats {
	return ControllerStats{
		Subscribers:        c.SubscriberCount(),
		FramesSubmitted:    c.submitted.Load(),
		UnitsProduced:      c.produced.Load(),
		EncodeErrors:       c.encodeErrs.Load(),
		SubscriberFailures: c.failures.Load(),
	}
}

func (c *EncoderController) setState(s ControllerState) {
	c.state.Store(int32(s))
	c.emit()
}

func (c *EncoderController) emit() {
	if c.onEvent != nil {
		c.onEvent(ControllerEvent{
			Signature:   c.sig,
			State:       c.State(),
			Subscribers: len(c.subs),
		})
	}
}

// waitReady blocks until Spawning is over and returns the init error, if any.
func (c *EncoderController) waitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue puts req on the request queue. It fails with ErrControllerTerminated
// once the worker has exited.
func (c *EncoderController) enqueue(ctx context.Context, req controllerRequest) error {
	select {
	case <-c.done:
		return ErrControllerTerminated
	default:
	}
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return ErrControllerTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for the worker's reply to req.
func (c *EncoderController) await(ctx context.Context, req controllerRequest) error {
	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		// The worker replies before exiting, so a reply may be waiting.
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrControllerTerminated
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *EncoderController) call(ctx context.Context, req controllerRequest) error {
	req.reply = make(chan error, 1)
	if err := c.enqueue(ctx, req); err != nil {
		return err
	}
	return c.await(ctx, req)
}

func (c *EncoderController) run(factory EncoderFactory) {
	defer close(c.done)

	c.emit()
	enc, err := c.spawn(factory)
	if err != nil {
		c.initErr = fmt.Errorf("%w: %s: %w", ErrResourceInitFailed, c.sig, err)
		c.log.Error().Err(err).Msg("encoder init failed")
		c.pool.remove(c)
		c.metrics.controllerTerminated(true)
		c.setState(ControllerTerminated)
		close(c.ready)
		return
	}

	c.encoder = enc
	c.setState(ControllerRunning)
	close(c.ready)
	c.log.Debug().Str("provider", enc.Provider().String()).Msg("encoder running")

	for req := range c.requests {
		if c.handle(req) {
			return
		}
	}
}

func (c *EncoderController) spawn(factory EncoderFactory) (enc VideoEncoder, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoder factory panicked: %v", r)
		}
	}()
	enc, err = factory(c.cfg)
	if err == nil && enc == nil {
		err = fmt.Errorf("encoder factory returned nil encoder")
	}
	return enc, err
}

// handle processes one request and reports whether the worker must exit.
func (c *EncoderController) handle(req controllerRequest) bool {
	switch req.kind {
	case reqAttach:
		c.attach(req.id, req.sub)
		reply(req, nil)

	case reqDetach:
		c.detach(req.id)
		// A detach that empties the set drains. So does one arriving at an
		// empty set, which happens when the only attach was abandoned.
		if len(c.subs) == 0 {
			c.drain()
			reply(req, nil)
			return true
		}
		reply(req, nil)

	case reqEncode:
		reply(req, c.encode(req.frame))

	case reqKeyframe:
		c.encoder.RequestKeyframe()

	case reqShutdown:
		if n := len(c.subs); n > 0 {
			c.metrics.subscriberDelta(-n)
		}
		c.subs = nil
		c.subscribers.Store(0)
		c.drain()
		reply(req, nil)
		return true
	}
	return false
}

func reply(req controllerRequest, err error) {
	if req.reply != nil {
		req.reply <- err
	}
}

func (c *EncoderController) attach(id string, sub Subscriber) {
	for _, e := range c.subs {
		if e.id == id {
			return
		}
	}
	c.subs = append(c.subs, subscriberEntry{id: id, sub: sub})
	c.subscribers.Store(int32(len(c.subs)))
	c.metrics.subscriberDelta(1)
	c.emit()

	// A late joiner cannot decode deltas.
	if c.produced.Load() > 0 {
		c.encoder.RequestKeyframe()
	}
	c.log.Debug().Str("subscriber", id).Int("subscribers", len(c.subs)).Msg("subscriber attached")
}

func (c *EncoderController) detach(id string) bool {
	for i, e := range c.subs {
		if e.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			c.subscribers.Store(int32(len(c.subs)))
			c.metrics.subscriberDelta(-1)
			c.emit()
			c.log.Debug().Str("subscriber", id).Int("subscribers", len(c.subs)).Msg("subscriber detached")
			return true
		}
	}
	return false
}

func (c *EncoderController) drain() {
	c.setState(ControllerDraining)
	if err := c.encoder.Close(); err != nil {
		c.log.Warn().Err(err).Msg("encoder close failed")
	}
	c.encoder = nil
	c.pool.remove(c)
	c.metrics.controllerTerminated(false)
	c.setState(ControllerTerminated)
	c.log.Debug().Uint64("units", c.produced.Load()).Msg("encoder controller terminated")
}

func (c *EncoderController) encode(frame *VideoFrame) error {
	// The native encoder reads Width x Height bytes from the planes.
	if err := frame.Fits(c.cfg.Width, c.cfg.Height); err != nil {
		return err
	}
	c.submitted.Add(1)
	c.frames++

	// Encoders open on a keyframe.
	if n := c.cfg.KeyframeInterval; n > 0 && c.frames > 1 && (c.frames-1)%uint64(n) == 0 {
		c.encoder.RequestKeyframe()
	}

	out, err := c.encoder.Encode(frame)
	if err != nil {
		c.encodeErrs.Add(1)
		c.metrics.encodeError()
		c.log.Warn().Err(err).Msg("encode failed")
		return err
	}
	if out == nil || len(out.Data) == 0 {
		return nil // Encoder buffering
	}
	c.fanOut(out)
	return nil
}

// fanOut clones the encoder-owned buffer once and hands the same bytes to
// every subscriber. A failing subscriber is recorded and skipped.
func (c *EncoderController) fanOut(out *EncodedFrame) {
	unit := out.Clone()
	seq := c.produced.Add(1)
	meta := UnitMetadata{
		Signature:     c.sig,
		Sequence:      seq,
		FrameType:     unit.FrameType,
		Timestamp:     unit.Timestamp,
		Duration:      unit.Duration,
		TemporalLayer: unit.TemporalLayerID,
		SpatialLayer:  unit.SpatialLayerID,
		EncodedAt:     time.Now(),
	}

	delivered, failed := 0, 0
	for _, e := range c.subs {
		if err := c.deliver(e, unit, meta); err != nil {
			failed++
			c.failures.Add(1)
			c.log.Warn().Err(err).Str("subscriber", e.id).Msg("subscriber callback failed")
			continue
		}
		delivered++
	}
	c.metrics.unitProduced(delivered, failed)
}

// inReceive reports whether the worker is currently inside id's Receive.
func (c *EncoderController) inReceive(id string) bool {
	p := c.receiving.Load()
	return p != nil && *p == id
}

func (c *EncoderController) deliver(e subscriberEntry, unit *EncodedFrame, meta UnitMetadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SubscriberError{
				SubscriberID: e.id,
				Signature:    c.sig,
				Sequence:     meta.Sequence,
				Err:          fmt.Errorf("panic: %v", r),
			}
		}
		c.receiving.Store(nil)
	}()
	c.receiving.Store(&e.id)
	if rerr := e.sub.Receive(unit, meta); rerr != nil {
		return &SubscriberError{
			SubscriberID: e.id,
			Signature:    c.sig,
			Sequence:     meta.Sequence,
			Err:          rerr,
		}
	}
	return nil
}
