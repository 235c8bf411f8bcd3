// Package peerbridge drives an asynchronous, callback-based real-time media
// engine from blocking Go calls, and shares expensive video encoders between
// the sessions that need identical output.
//
// Key pieces include:
//   - Completer/Pending: one-shot observer callbacks turned into awaitable results
//   - EventChannel: recurring engine callbacks turned into a bounded stream
//   - Signature: the pool key for an EncoderConfig
//   - EncoderPool/EncoderController: one encoder per signature, fanned out to subscribers
//   - Factory/Session: negotiation, trickle ICE, stats and teardown per peer
//
// # Architecture
//
//	Negotiation: Session -> Completer -> Engine peer -> observer -> Pending.Await
//	Events:      Engine peer -> EventChannel -> Next/All
//	Media:       frame -> Subscription.Encode -> EncoderController -> VideoTrack (every subscriber)
//
// The pion/webrtc engine lives in the pionengine subpackage. Tests and other
// engines plug in through the Engine interface.
//
// # Native Libraries
//
// VP8/VP9, H.264 and AV1 encoders load libmedia_vpx, libmedia_h264 and
// libmedia_av1 at runtime with purego (CGO_ENABLED=0 works). Set
// MEDIA_SDK_LIB_PATH to the directory containing them. A provider is
// registered only if its library loads.
//
// # Build Tags
//
// Optional tags disable native providers:
//   - novpx, noh264, noav1
package peerbridge
