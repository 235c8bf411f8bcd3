package peerbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Operation names, used in errors, logs and metric labels.
const (
	OpCreateOffer          = "create_offer"
	OpCreateAnswer         = "create_answer"
	OpSetLocalDescription  = "set_local_description"
	OpSetRemoteDescription = "set_remote_description"
	OpAddICECandidate      = "add_ice_candidate"
	OpGetStats             = "get_stats"
)

// SessionConfig configures one session.
type SessionConfig struct {
	ID         string // Empty = random uuid
	ICEServers []ICEServer
}

type dropper interface {
	Drop() bool
}

type attachedEncoder struct {
	sub   *Subscription
	track VideoTrack
}

// Session is one peer connection plus its encoder subscriptions. Every
// negotiation call issues exactly one engine request and awaits it through a
// Completion Bridge; recurring engine events are read from event channels.
type Session struct {
	id      string
	factory *Factory
	peer    Peer
	cfg     Config
	log     zerolog.Logger
	metrics *Metrics

	candidates *EventChannel[ICECandidate]
	tracks     *EventChannel[TrackInfo]
	states     *EventChannel[ConnectionState]
	keyframes  *EventChannel[KeyframeRequest]

	mu       sync.Mutex
	closed   bool
	nextOp   uint64
	pending  map[uint64]dropper
	encoders []attachedEncoder

	keyframeDone chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreateOffer asks the engine for an offer.
func (s *Session) CreateOffer(ctx context.Context) (SessionDescription, error) {
	return issue(s, ctx, OpCreateOffer, s.cfg.OperationTimeout, func(obs Observer[SessionDescription]) {
		s.peer.CreateOffer(obs)
	})
}

// CreateAnswer asks the engine for an answer to the applied remote offer.
func (s *Session) CreateAnswer(ctx context.Context) (SessionDescription, error) {
	return issue(s, ctx, OpCreateAnswer, s.cfg.OperationTimeout, func(obs Observer[SessionDescription]) {
		s.peer.CreateAnswer(obs)
	})
}

// SetLocalDescription applies desc locally.
func (s *Session) SetLocalDescription(ctx context.Context, desc SessionDescription) error {
	_, err := issue(s, ctx, OpSetLocalDescription, s.cfg.OperationTimeout, func(obs Observer[struct{}]) {
		s.peer.SetLocalDescription(desc, obs)
	})
	return err
}

// SetRemoteDescription applies the remote peer's desc.
func (s *Session) SetRemoteDescription(ctx context.Context, desc SessionDescription) error {
	_, err := issue(s, ctx, OpSetRemoteDescription, s.cfg.OperationTimeout, func(obs Observer[struct{}]) {
		s.peer.SetRemoteDescription(desc, obs)
	})
	return err
}

// AddICECandidate applies a trickled remote candidate.
func (s *Session) AddICECandidate(ctx context.Context, candidate ICECandidate) error {
	_, err := issue(s, ctx, OpAddICECandidate, s.cfg.OperationTimeout, func(obs Observer[struct{}]) {
		s.peer.AddICECandidate(candidate, obs)
	})
	return err
}

// GetStats returns a statistics snapshot.
func (s *Session) GetStats(ctx context.Context) (StatsReport, error) {
	return issue(s, ctx, OpGetStats, s.cfg.StatsTimeout, func(obs Observer[StatsReport]) {
		s.peer.GetStats(obs)
	})
}

// ICECandidates returns the local candidate stream.
func (s *Session) ICECandidates() *EventChannel[ICECandidate] { return s.candidates }

// Tracks returns the remote track stream.
func (s *Session) Tracks() *EventChannel[TrackInfo] { return s.tracks }

// ConnectionStates returns the connection state stream. Only the latest
// states are kept when the consumer falls behind.
func (s *Session) ConnectionStates() *EventChannel[ConnectionState] { return s.states }

// issue runs one engine request through a tracked Completer. The Completer
// is registered before the engine sees it so Close can drop it.
func issue[T any](s *Session, ctx context.Context, op string, timeout time.Duration, send func(Observer[T])) (T, error) {
	var zero T

	c, p := NewCompletion[T](op)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return zero, fmt.Errorf("%s: %w", op, ErrSessionClosed)
	}
	s.nextOp++
	key := s.nextOp
	s.pending[key] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	send(c)
	v, err := p.Await(ctx)
	s.metrics.operation(op, err)
	if err != nil {
		s.log.Debug().Err(err).Str("op", op).Msg("operation failed")
	}
	return v, err
}

// AttachEncoder adds a local video track and subscribes it to the pooled
// encoder for cfg. Sessions with equal signatures share one encoder.
func (s *Session) AttachEncoder(ctx context.Context, cfg EncoderConfig) (*Subscription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s.mu.Lock()
	closed := s.closed
	n := len(s.encoders)
	s.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}

	track, err := s.peer.AddVideoTrack(TrackConfig{
		ID:          fmt.Sprintf("%s-video-%d", cfg.Codec, n),
		StreamID:    s.id,
		Codec:       cfg.Codec,
		PayloadType: cfg.PayloadType,
	})
	if err != nil {
		return nil, fmt.Errorf("add video track: %w", err)
	}

	sub, err := s.factory.pool.Acquire(ctx, cfg, trackSubscriber{track: track})
	if err != nil {
		s.removeTrack(track)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Release(context.Background())
		s.removeTrack(track)
		return nil, ErrSessionClosed
	}
	s.encoders = append(s.encoders, attachedEncoder{sub: sub, track: track})
	s.mu.Unlock()

	s.log.Info().
		Str("track", track.ID()).
		Str("signature", sub.Signature().String()).
		Msg("encoder attached")
	return sub, nil
}

// removeTrack takes a track nobody feeds off the peer.
func (s *Session) removeTrack(track VideoTrack) {
	if err := s.peer.RemoveVideoTrack(track); err != nil {
		s.log.Warn().Err(err).Str("track", track.ID()).Msg("remove video track failed")
	}
}

// Encode submits frame to the first attached encoder.
func (s *Session) Encode(ctx context.Context, frame *VideoFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if len(s.encoders) == 0 {
		s.mu.Unlock()
		return ErrNoEncoder
	}
	sub := s.encoders[0].sub
	s.mu.Unlock()
	return sub.Encode(ctx, frame)
}

// RequestKeyframe asks every attached encoder for a keyframe.
func (s *Session) RequestKeyframe() {
	s.mu.Lock()
	encoders := append([]attachedEncoder(nil), s.encoders...)
	s.mu.Unlock()
	for _, e := range encoders {
		e.sub.RequestKeyframe()
	}
}

func (s *Session) forwardKeyframeRequests() {
	defer close(s.keyframeDone)
	for req := range s.keyframes.All(context.Background()) {
		s.mu.Lock()
		encoders := append([]attachedEncoder(nil), s.encoders...)
		s.mu.Unlock()
		for _, e := range encoders {
			if req.TrackID == "" || req.TrackID == e.track.ID() {
				e.sub.RequestKeyframe()
			}
		}
	}
}

// Close tears the session down: event channels are detached, encoder
// subscriptions released, the engine peer closed, and outstanding operations
// dropped so their callers see ErrChannelClosed. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	encoders := s.encoders
	s.encoders = nil
	s.mu.Unlock()

	s.candidates.Detach()
	s.tracks.Detach()
	s.states.Detach()
	s.keyframes.Detach()
	<-s.keyframeDone

	var result *multierror.Error
	for _, e := range encoders {
		if err := e.sub.Release(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("release %s: %w", e.track.ID(), err))
		}
	}

	if err := s.peer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close peer: %w", err))
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]dropper)
	s.mu.Unlock()
	dropped := 0
	for _, c := range pending {
		if c.Drop() {
			dropped++
		}
	}

	s.factory.forget(s)
	s.metrics.sessionDelta(-1)

	err := result.ErrorOrNil()
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Int("dropped_operations", dropped).Msg("session closed")
	return err
}

// trackSubscriber writes shared encoder output to one session's track.
type trackSubscriber struct {
	track VideoTrack
}

func (t trackSubscriber) Receive(unit *EncodedFrame, meta UnitMetadata) error {
	if err := t.track.WriteUnit(unit, meta); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}
