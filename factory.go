package peerbridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Factory creates sessions on one engine and owns the encoder pool they
// share.
type Factory struct {
	engine  Engine
	cfg     Config
	pool    *EncoderPool
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewFactory creates a Factory. Zero-valued buffer sizes in cfg take their
// DefaultConfig values.
func NewFactory(engine Engine, cfg Config) *Factory {
	cfg = cfg.withDefaults()
	return &Factory{
		engine:  engine,
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		pool: NewEncoderPool(PoolConfig{
			Factory:   cfg.EncoderFactory,
			QueueSize: cfg.EncoderQueueSize,
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
		}),
		sessions: make(map[string]*Session),
	}
}

// Pool returns the shared encoder pool.
func (f *Factory) Pool() *EncoderPool { return f.pool }

// Config returns the effective configuration.
func (f *Factory) Config() Config { return f.cfg }

// NewSession creates an engine peer wired to fresh event channels.
func (f *Factory) NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, exists := f.sessions[id]; exists {
		f.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	f.mu.Unlock()

	s := &Session{
		id:           id,
		factory:      f,
		cfg:          f.cfg,
		log:          f.log.With().Str("session", id).Logger(),
		metrics:      f.metrics,
		pending:      make(map[uint64]dropper),
		keyframeDone: make(chan struct{}),
	}
	s.candidates = newSessionChannel[ICECandidate](f, "ice_candidates", f.cfg.CandidateBuffer, OverflowBlock)
	s.tracks = newSessionChannel[TrackInfo](f, "tracks", f.cfg.TrackBuffer, OverflowBlock)
	s.states = newSessionChannel[ConnectionState](f, "connection_states", f.cfg.StateBuffer, OverflowDropOldest)
	s.keyframes = newSessionChannel[KeyframeRequest](f, "keyframe_requests", f.cfg.KeyframeBuffer, OverflowDropNewest)

	peer, err := f.engine.NewPeer(ctx, PeerConfig{ICEServers: cfg.ICEServers}, PeerEvents{
		ICECandidate:    s.candidates,
		Track:           s.tracks,
		ConnectionState: s.states,
		KeyframeRequest: s.keyframes,
	})
	if err != nil {
		return nil, fmt.Errorf("new peer: %w", err)
	}
	s.peer = peer

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = peer.Close()
		return nil, ErrSessionClosed
	}
	if _, exists := f.sessions[id]; exists {
		f.mu.Unlock()
		_ = peer.Close()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	f.sessions[id] = s
	f.mu.Unlock()

	go s.forwardKeyframeRequests()
	f.metrics.sessionDelta(1)
	s.log.Debug().Msg("session created")
	return s, nil
}

func newSessionChannel[T any](f *Factory, name string, size int, policy OverflowPolicy) *EventChannel[T] {
	cfg := EventChannelConfig{
		Name:   name,
		Size:   size,
		Policy: policy,
		OnDrop: func() { f.metrics.eventDropped(name) },
	}
	if policy == OverflowBlock {
		cfg.BlockTimeout = f.cfg.EventBlockTimeout
	}
	return NewEventChannel[T](cfg)
}

// Session returns the live session with id.
func (f *Factory) Session(id string) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of live sessions.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *Factory) forget(s *Session) {
	f.mu.Lock()
	if f.sessions[s.id] == s {
		delete(f.sessions, s.id)
	}
	f.mu.Unlock()
}

// Close closes every session, then the pool.
func (f *Factory) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	var result *multierror.Error
	for _, s := range f.Sessions() {
		if err := s.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	if err := f.pool.Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
