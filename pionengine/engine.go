// Package pionengine implements peerbridge.Engine on top of pion/webrtc.
//
// pion's API is synchronous; every request is run on its own goroutine and
// its result handed to the observer from there, so callers only ever see
// completions arrive from engine-owned goroutines.
//
// Local tracks carry VP8, VP9, H.264 and AV1. H.265 configs pass
// EncoderConfig.Validate but AddVideoTrack rejects them with
// peerbridge.ErrCodecNotSupported, so Session.AttachEncoder fails before an
// encoder is spawned.
package pionengine

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/thesyncim/peerbridge"
)

// DefaultMTU is the default maximum RTP packet size.
const DefaultMTU = 1200

// Options configures an Engine.
type Options struct {
	Logger zerolog.Logger
	MTU    int // RTP packet size (default 1200)

	// ConfigureSettings adjusts the SettingEngine before the API is built.
	ConfigureSettings func(*webrtc.SettingEngine)
}

// Engine creates pion peer connections.
type Engine struct {
	api *webrtc.API
	log zerolog.Logger
	mtu int
}

// New builds a webrtc.API with the default codecs registered.
func New(opts Options) (*Engine, error) {
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.LoggerFactory = NewLoggerFactory(opts.Logger.With().Str("component", "pion").Logger())
	if opts.ConfigureSettings != nil {
		opts.ConfigureSettings(&s)
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		log: opts.Logger.With().Str("component", "pionengine").Logger(),
		mtu: opts.MTU,
	}, nil
}

// NewPeer implements peerbridge.Engine.
func (e *Engine) NewPeer(ctx context.Context, config peerbridge.PeerConfig, events peerbridge.PeerEvents) (peerbridge.Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: toICEServers(config.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}

	p := &peer{
		pc:     pc,
		events: events,
		log:    e.log,
		mtu:    e.mtu,
	}
	p.wireEvents()
	return p, nil
}

func toICEServers(in []peerbridge.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
