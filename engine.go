package peerbridge

import (
	"context"
	"time"
)

// Observer is the one-shot callback contract of the engine. Exactly one of
// OnSuccess or OnFailure is called, once, from any goroutine.
type Observer[T any] interface {
	OnSuccess(value T)
	OnFailure(err error)
}

// EventSink is the recurring callback contract of the engine. OnEvent is
// called zero or more times, from any goroutine, until the sink is detached.
type EventSink[T any] interface {
	OnEvent(payload T)
}

// Engine creates peers. Implementations own their goroutines and invoke
// observers and sinks on them.
type Engine interface {
	NewPeer(ctx context.Context, config PeerConfig, events PeerEvents) (Peer, error)
}

// Peer is one engine-side peer connection. Every request method returns
// immediately; completion arrives later through the observer.
type Peer interface {
	CreateOffer(obs Observer[SessionDescription])
	CreateAnswer(obs Observer[SessionDescription])
	SetLocalDescription(desc SessionDescription, obs Observer[struct{}])
	SetRemoteDescription(desc SessionDescription, obs Observer[struct{}])
	AddICECandidate(candidate ICECandidate, obs Observer[struct{}])
	GetStats(obs Observer[StatsReport])

	// AddVideoTrack adds a local track fed with already-encoded units.
	AddVideoTrack(config TrackConfig) (VideoTrack, error)

	// RemoveVideoTrack detaches a track returned by AddVideoTrack.
	RemoveVideoTrack(track VideoTrack) error

	// Close releases the engine handle. Observers still held by the engine
	// may never be called after Close.
	Close() error
}

// VideoTrack receives encoded units on the encoder worker goroutine.
// WriteUnit must return quickly.
type VideoTrack interface {
	ID() string
	WriteUnit(unit *EncodedFrame, meta UnitMetadata) error
}

// PeerEvents are the recurring callbacks wired into a peer at creation.
// Nil sinks are not called.
type PeerEvents struct {
	ICECandidate    EventSink[ICECandidate]
	Track           EventSink[TrackInfo]
	ConnectionState EventSink[ConnectionState]
	KeyframeRequest EventSink[KeyframeRequest]
}

// ICEServer describes a STUN/TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// PeerConfig configures an engine peer.
type PeerConfig struct {
	ICEServers []ICEServer
}

// SDPType is the type of a session description.
type SDPType int

const (
	SDPTypeOffer SDPType = iota + 1
	SDPTypePranswer
	SDPTypeAnswer
	SDPTypeRollback
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypePranswer:
		return "pranswer"
	case SDPTypeAnswer:
		return "answer"
	case SDPTypeRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ParseSDPType is the inverse of SDPType.String.
func ParseSDPType(s string) SDPType {
	switch s {
	case "offer":
		return SDPTypeOffer
	case "pranswer":
		return SDPTypePranswer
	case "answer":
		return SDPTypeAnswer
	case "rollback":
		return SDPTypeRollback
	default:
		return 0
	}
}

// SessionDescription is an SDP blob with its type. The text is opaque here.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is a trickled network candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// TrackInfo announces a remote track.
type TrackInfo struct {
	ID          string
	StreamID    string
	Kind        string // "audio" or "video"
	MimeType    string
	PayloadType uint8
	SSRC        uint32
}

// ConnectionState mirrors the peer connection state machine.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota + 1
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KeyframeRequest is raised when a remote receiver asks for a keyframe.
type KeyframeRequest struct {
	TrackID string
	SSRC    uint32
	Reason  string // "pli" or "fir"
}

// StatsReport is a snapshot of engine statistics keyed by stats id.
type StatsReport struct {
	Timestamp time.Time
	Stats     map[string]any
}

// TrackConfig configures a local encoded video track.
type TrackConfig struct {
	ID          string
	StreamID    string
	Codec       VideoCodec
	PayloadType uint8
}
