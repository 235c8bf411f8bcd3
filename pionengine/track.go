package pionengine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/peerbridge"
)

// videoTrack feeds shared encoder output into one peer's RTP sender.
type videoTrack struct {
	id     string
	codec  peerbridge.VideoCodec
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	pkt    *packetizer
	events peerbridge.EventSink[peerbridge.KeyframeRequest]
}

func newVideoTrack(p *peer, config peerbridge.TrackConfig) (*videoTrack, error) {
	pkt, err := newPacketizer(config.Codec, config.PayloadType, p.mtu)
	if err != nil {
		return nil, err
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: config.Codec.MimeType()},
		config.ID, config.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("NewTrackLocalStaticRTP: %w", err)
	}

	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("AddTrack: %w", err)
	}

	t := &videoTrack{
		id:     config.ID,
		codec:  config.Codec,
		track:  local,
		sender: sender,
		pkt:    pkt,
		events: p.events.KeyframeRequest,
	}
	go t.readRTCP()
	return t, nil
}

func (t *videoTrack) ID() string { return t.id }

// WriteUnit packetizes unit and writes it to every binding of the track.
func (t *videoTrack) WriteUnit(unit *peerbridge.EncodedFrame, _ peerbridge.UnitMetadata) error {
	for _, p := range t.pkt.Packetize(unit) {
		if err := t.track.WriteRTP(p); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil // Not bound yet or already gone
			}
			return err
		}
	}
	return nil
}

// readRTCP turns PLI and FIR feedback into keyframe requests. It exits when
// the sender is closed with the peer.
func (t *videoTrack) readRTCP() {
	for {
		packets, _, err := t.sender.ReadRTCP()
		if err != nil {
			return
		}
		if t.events == nil {
			continue
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				t.events.OnEvent(peerbridge.KeyframeRequest{TrackID: t.id, SSRC: p.MediaSSRC, Reason: "pli"})
			case *rtcp.FullIntraRequest:
				t.events.OnEvent(peerbridge.KeyframeRequest{TrackID: t.id, SSRC: p.MediaSSRC, Reason: "fir"})
			}
		}
	}
}

// packetizer splits encoded units into RTP packets with pion's payloaders.
// SSRC and payload type are rewritten per binding by TrackLocalStaticRTP.
type packetizer struct {
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	mu          sync.Mutex
}

func newPacketizer(codec peerbridge.VideoCodec, pt uint8, mtu int) (*packetizer, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	var payloader rtp.Payloader
	switch codec {
	case peerbridge.VideoCodecVP8:
		payloader = &codecs.VP8Payloader{}
	case peerbridge.VideoCodecVP9:
		payloader = &codecs.VP9Payloader{}
	case peerbridge.VideoCodecH264:
		payloader = &codecs.H264Payloader{}
	case peerbridge.VideoCodecAV1:
		payloader = &codecs.AV1Payloader{}
	default:
		return nil, fmt.Errorf("%w: %s", peerbridge.ErrCodecNotSupported, codec)
	}
	return &packetizer{
		payloadType: pt,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
	}, nil
}

// Packetize converts an encoded unit to RTP packets. The marker bit is set on
// the last packet of the unit.
func (p *packetizer) Packetize(unit *peerbridge.EncodedFrame) []*rtp.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if unit == nil || len(unit.Data) == 0 {
		return nil
	}

	payloads := p.payloader.Payload(uint16(p.mtu-12), unit.Data)
	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      unit.Timestamp,
			},
			Payload: payload,
		}
	}
	return packets
}
