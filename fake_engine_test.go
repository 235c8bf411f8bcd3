package peerbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeEngine is a deterministic Engine. Requests complete on their own
// goroutine unless the peer is told to hold them.
type fakeEngine struct {
	mu    sync.Mutex
	peers []*fakePeer
	err   error
}

func (e *fakeEngine) NewPeer(ctx context.Context, cfg PeerConfig, events PeerEvents) (Peer, error) {
	if e.err != nil {
		return nil, e.err
	}
	p := &fakePeer{events: events}
	e.mu.Lock()
	e.peers = append(e.peers, p)
	e.mu.Unlock()
	return p, nil
}

func (e *fakeEngine) lastPeer() *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[len(e.peers)-1]
}

type fakePeer struct {
	events PeerEvents

	hold   atomic.Bool // Keep observers instead of completing them
	reject atomic.Pointer[EngineError]
	delay  time.Duration

	mu       sync.Mutex
	held     []any
	tracks   []*fakeTrack
	closed   bool
	remote   *SessionDescription
	requests atomic.Int32
}

func (p *fakePeer) run(op string, complete func(err error)) {
	p.requests.Add(1)
	go func() {
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			complete(&EngineError{Op: op, Kind: "InvalidStateError", Message: "peer closed"})
			return
		}
		if ee := p.reject.Load(); ee != nil {
			complete(ee)
			return
		}
		complete(nil)
	}()
}

func (p *fakePeer) keep(obs any) bool {
	if !p.hold.Load() {
		return false
	}
	p.requests.Add(1)
	p.mu.Lock()
	p.held = append(p.held, obs)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) CreateOffer(obs Observer[SessionDescription]) {
	if p.keep(obs) {
		return
	}
	p.run(OpCreateOffer, func(err error) {
		if err != nil {
			obs.OnFailure(err)
			return
		}
		obs.OnSuccess(SessionDescription{Type: SDPTypeOffer, SDP: "v=0 offer"})
	})
}

func (p *fakePeer) CreateAnswer(obs Observer[SessionDescription]) {
	if p.keep(obs) {
		return
	}
	p.run(OpCreateAnswer, func(err error) {
		p.mu.Lock()
		haveRemote := p.remote != nil
		p.mu.Unlock()
		switch {
		case err != nil:
			obs.OnFailure(err)
		case !haveRemote:
			obs.OnFailure(errors.New("no remote description"))
		default:
			obs.OnSuccess(SessionDescription{Type: SDPTypeAnswer, SDP: "v=0 answer"})
		}
	})
}

func (p *fakePeer) SetLocalDescription(desc SessionDescription, obs Observer[struct{}]) {
	if p.keep(obs) {
		return
	}
	p.run(OpSetLocalDescription, func(err error) {
		if err != nil {
			obs.OnFailure(err)
			return
		}
		obs.OnSuccess(struct{}{})
	})
}

func (p *fakePeer) SetRemoteDescription(desc SessionDescription, obs Observer[struct{}]) {
	if p.keep(obs) {
		return
	}
	p.run(OpSetRemoteDescription, func(err error) {
		if err != nil {
			obs.OnFailure(err)
			return
		}
		p.mu.Lock()
		p.remote = &desc
		p.mu.Unlock()
		obs.OnSuccess(struct{}{})
	})
}

func (p *fakePeer) AddICECandidate(c ICECandidate, obs Observer[struct{}]) {
	if p.keep(obs) {
		return
	}
	p.run(OpAddICECandidate, func(err error) {
		if err != nil {
			obs.OnFailure(err)
			return
		}
		obs.OnSuccess(struct{}{})
	})
}

func (p *fakePeer) GetStats(obs Observer[StatsReport]) {
	if p.keep(obs) {
		return
	}
	p.run(OpGetStats, func(err error) {
		if err != nil {
			obs.OnFailure(err)
			return
		}
		obs.OnSuccess(StatsReport{Timestamp: time.Now(), Stats: map[string]any{"pc": "ok"}})
	})
}

func (p *fakePeer) AddVideoTrack(cfg TrackConfig) (VideoTrack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("peer closed")
	}
	t := &fakeTrack{id: cfg.ID}
	p.tracks = append(p.tracks, t)
	return t, nil
}

func (p *fakePeer) RemoveVideoTrack(track VideoTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.tracks {
		if t == track {
			p.tracks = append(p.tracks[:i], p.tracks[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown track")
}

func (p *fakePeer) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

// Close releases the peer and, like a real engine, forgets held observers.
func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.held = nil
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) track(i int) *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[i]
}

type fakeTrack struct {
	id string

	mu    sync.Mutex
	units [][]byte
	metas []UnitMetadata
	fail  error
}

func (t *fakeTrack) ID() string { return t.id }

func (t *fakeTrack) WriteUnit(unit *EncodedFrame, meta UnitMetadata) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.units = append(t.units, unit.Data)
	t.metas = append(t.metas, meta)
	return nil
}

func (t *fakeTrack) received() ([][]byte, []UnitMetadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.units...), append([]UnitMetadata(nil), t.metas...)
}

// countingFactory builds fakeEncoders and counts creations and closes.
type countingFactory struct {
	created atomic.Int32
	closed  atomic.Int32
	fail    atomic.Pointer[error]
	gate    chan struct{} // If non-nil, creation blocks until closed
}

func (f *countingFactory) New(cfg EncoderConfig) (VideoEncoder, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.created.Add(1)
	if errp := f.fail.Load(); errp != nil {
		return nil, *errp
	}
	return &fakeEncoder{cfg: cfg, factory: f}, nil
}

func (f *countingFactory) failWith(err error) { f.fail.Store(&err) }

// fakeEncoder emits one unit per frame: a keyframe when requested, otherwise
// a delta. The payload encodes the frame number.
type fakeEncoder struct {
	cfg     EncoderConfig
	factory *countingFactory

	frames    uint32
	keyframes atomic.Int32
	forceKey  atomic.Bool
	failNext  atomic.Bool
	buf       []byte
}

func (e *fakeEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if e.failNext.Swap(false) {
		return nil, errors.New("encode failed")
	}
	ft := FrameTypeDelta
	forced := e.forceKey.Swap(false)
	if e.frames == 0 || forced {
		ft = FrameTypeKey
		e.keyframes.Add(1)
	}
	// Reused buffer; the pool must clone before fan-out.
	e.buf = fmt.Appendf(e.buf[:0], "frame-%d-%s", e.frames, ft)
	out := &EncodedFrame{
		Data:      e.buf,
		FrameType: ft,
		Timestamp: e.frames * 3000,
		Duration:  3000,
	}
	e.frames++
	return out, nil
}

func (e *fakeEncoder) RequestKeyframe()      { e.forceKey.Store(true) }
func (e *fakeEncoder) Provider() Provider    { return ProviderSoftware }
func (e *fakeEncoder) Config() EncoderConfig { return e.cfg }

func (e *fakeEncoder) Close() error {
	e.factory.closed.Add(1)
	return nil
}

// recorder is a Subscriber that keeps copies of what it receives.
type recorder struct {
	mu    sync.Mutex
	units [][]byte
	metas []UnitMetadata
	fail  error
	panic bool
}

func (r *recorder) Receive(unit *EncodedFrame, meta UnitMetadata) error {
	if r.panic {
		panic("subscriber exploded")
	}
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.units = append(r.units, unit.Data)
	r.metas = append(r.metas, meta)
	r.mu.Unlock()
	return nil
}

func (r *recorder) received() ([][]byte, []UnitMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.units...), append([]UnitMetadata(nil), r.metas...)
}

func testEncoderConfig() EncoderConfig {
	return DefaultEncoderConfig(VideoCodecVP8, 640, 480)
}
