package pionengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
	"github.com/rs/zerolog"

	"github.com/thesyncim/peerbridge"
)

type peer struct {
	pc     *webrtc.PeerConnection
	events peerbridge.PeerEvents
	log    zerolog.Logger
	mtu    int
}

func (p *peer) wireEvents() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.events.ICECandidate == nil {
			return // Gathering complete
		}
		ci := c.ToJSON()
		p.events.ICECandidate.OnEvent(peerbridge.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if p.events.Track == nil {
			return
		}
		p.events.Track.OnEvent(peerbridge.TrackInfo{
			ID:          track.ID(),
			StreamID:    track.StreamID(),
			Kind:        track.Kind().String(),
			MimeType:    track.Codec().MimeType,
			PayloadType: uint8(track.PayloadType()),
			SSRC:        uint32(track.SSRC()),
		})
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("connection state")
		if p.events.ConnectionState == nil {
			return
		}
		if s := connectionState(state); s != 0 {
			p.events.ConnectionState.OnEvent(s)
		}
	})
}

// CreateOffer implements peerbridge.Peer.
func (p *peer) CreateOffer(obs peerbridge.Observer[peerbridge.SessionDescription]) {
	go func() {
		desc, err := p.pc.CreateOffer(nil)
		if err != nil {
			obs.OnFailure(engineError(peerbridge.OpCreateOffer, err))
			return
		}
		obs.OnSuccess(fromSDP(desc))
	}()
}

// CreateAnswer implements peerbridge.Peer.
func (p *peer) CreateAnswer(obs peerbridge.Observer[peerbridge.SessionDescription]) {
	go func() {
		desc, err := p.pc.CreateAnswer(nil)
		if err != nil {
			obs.OnFailure(engineError(peerbridge.OpCreateAnswer, err))
			return
		}
		obs.OnSuccess(fromSDP(desc))
	}()
}

// SetLocalDescription implements peerbridge.Peer.
func (p *peer) SetLocalDescription(desc peerbridge.SessionDescription, obs peerbridge.Observer[struct{}]) {
	go func() {
		if err := p.pc.SetLocalDescription(toSDP(desc)); err != nil {
			obs.OnFailure(engineError(peerbridge.OpSetLocalDescription, err))
			return
		}
		obs.OnSuccess(struct{}{})
	}()
}

// SetRemoteDescription implements peerbridge.Peer.
func (p *peer) SetRemoteDescription(desc peerbridge.SessionDescription, obs peerbridge.Observer[struct{}]) {
	go func() {
		if err := p.pc.SetRemoteDescription(toSDP(desc)); err != nil {
			obs.OnFailure(engineError(peerbridge.OpSetRemoteDescription, err))
			return
		}
		obs.OnSuccess(struct{}{})
	}()
}

// AddICECandidate implements peerbridge.Peer.
func (p *peer) AddICECandidate(c peerbridge.ICECandidate, obs peerbridge.Observer[struct{}]) {
	go func() {
		err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
		if err != nil {
			obs.OnFailure(engineError(peerbridge.OpAddICECandidate, err))
			return
		}
		obs.OnSuccess(struct{}{})
	}()
}

// GetStats implements peerbridge.Peer.
func (p *peer) GetStats(obs peerbridge.Observer[peerbridge.StatsReport]) {
	go func() {
		report := p.pc.GetStats()
		stats := make(map[string]any, len(report))
		for id, s := range report {
			stats[id] = s
		}
		obs.OnSuccess(peerbridge.StatsReport{Timestamp: time.Now(), Stats: stats})
	}()
}

// AddVideoTrack implements peerbridge.Peer.
func (p *peer) AddVideoTrack(config peerbridge.TrackConfig) (peerbridge.VideoTrack, error) {
	return newVideoTrack(p, config)
}

// RemoveVideoTrack implements peerbridge.Peer.
func (p *peer) RemoveVideoTrack(track peerbridge.VideoTrack) error {
	t, ok := track.(*videoTrack)
	if !ok {
		return fmt.Errorf("track %s was not created by this engine", track.ID())
	}
	return p.pc.RemoveTrack(t.sender)
}

// Close implements peerbridge.Peer.
func (p *peer) Close() error {
	return p.pc.Close()
}

func fromSDP(d webrtc.SessionDescription) peerbridge.SessionDescription {
	return peerbridge.SessionDescription{
		Type: peerbridge.ParseSDPType(d.Type.String()),
		SDP:  d.SDP,
	}
}

func toSDP(d peerbridge.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type.String()),
		SDP:  d.SDP,
	}
}

func connectionState(s webrtc.PeerConnectionState) peerbridge.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return peerbridge.ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return peerbridge.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return peerbridge.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return peerbridge.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return peerbridge.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return peerbridge.ConnectionStateClosed
	default:
		return 0
	}
}

// engineError classifies pion's W3C-style errors into EngineError kinds.
func engineError(op string, err error) *peerbridge.EngineError {
	return &peerbridge.EngineError{
		Op:      op,
		Kind:    errorKind(err),
		Message: err.Error(),
		Err:     err,
	}
}

func errorKind(err error) string {
	var (
		invalidState *rtcerr.InvalidStateError
		invalidMod   *rtcerr.InvalidModificationError
		invalidAcc   *rtcerr.InvalidAccessError
		operation    *rtcerr.OperationError
		syntax       *rtcerr.SyntaxError
		typeErr      *rtcerr.TypeError
	)
	switch {
	case errors.Is(err, webrtc.ErrConnectionClosed):
		return "InvalidStateError"
	case errors.As(err, &invalidState):
		return "InvalidStateError"
	case errors.As(err, &invalidMod):
		return "InvalidModificationError"
	case errors.As(err, &invalidAcc):
		return "InvalidAccessError"
	case errors.As(err, &operation):
		return "OperationError"
	case errors.As(err, &syntax):
		return "SyntaxError"
	case errors.As(err, &typeErr):
		return "TypeError"
	default:
		return fmt.Sprintf("%T", err)
	}
}
