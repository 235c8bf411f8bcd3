package peerbridge

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// EncoderConfig configures a video encoder. Fields that shape the encoded
// bitstream are part of the CodecSignature; see signature.go before adding one.
type EncoderConfig struct {
	Codec    VideoCodec // Codec type (VP8, VP9, H264, AV1)
	Provider Provider   // Provider to use (ProviderAuto = registry chooses)

	Width      int // Frame width
	Height     int // Frame height
	FPS        int // Target framerate
	BitrateBps int // Target bitrate in bits per second

	MaxBitrateBps    int             // Maximum bitrate (0 = no limit)
	MinBitrateBps    int             // Minimum bitrate (0 = no limit)
	KeyframeInterval int             // Frames between forced keyframes (0 = on request only)
	RateControlMode  RateControlMode // Rate control mode
	Quality          int             // Quality level (codec-specific, 0-63 for VP8/VP9)
	Threads          int             // Encoder threads (0 = auto)
	PayloadType      uint8           // RTP payload type used by the session track

	H264Profile H264Profile
	VP9Profile  VP9Profile
	AV1Profile  AV1Profile

	TemporalLayers int // Number of temporal layers (1-4)
	SpatialLayers  int // Number of spatial layers (1-3)
}

// DefaultEncoderConfig returns a default encoder configuration.
func DefaultEncoderConfig(codec VideoCodec, width, height int) EncoderConfig {
	return EncoderConfig{
		Codec:           codec,
		Provider:        ProviderAuto,
		Width:           width,
		Height:          height,
		FPS:             30,
		BitrateBps:      1_500_000,
		RateControlMode: RateControlVBR,
		Quality:         32,
		PayloadType:     codec.DefaultPayloadType(),
		TemporalLayers:  1,
		SpatialLayers:   1,
	}
}

// Validate checks the fields every encoder needs.
func (c EncoderConfig) Validate() error {
	if c.Codec == VideoCodecUnknown || c.Codec >= videoCodecCount {
		return fmt.Errorf("%w: %d", ErrCodecNotSupported, c.Codec)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.MinBitrateBps > 0 && c.MaxBitrateBps > 0 && c.MinBitrateBps > c.MaxBitrateBps {
		return errors.New("min bitrate above max bitrate")
	}
	return nil
}

func (c EncoderConfig) withDefaults() EncoderConfig {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.TemporalLayers <= 0 {
		c.TemporalLayers = 1
	}
	if c.SpatialLayers <= 0 {
		c.SpatialLayers = 1
	}
	if c.PayloadType == 0 {
		c.PayloadType = c.Codec.DefaultPayloadType()
	}
	return c
}

// VideoEncoder is the expensive per-configuration resource the pool shares.
// A pool controller calls it from a single goroutine only.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a frame. Returns nil if the encoder is buffering.
	// The returned data is valid until the next Encode call.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// Provider returns which provider created this encoder.
	Provider() Provider

	// Config returns the encoder configuration.
	Config() EncoderConfig
}

// EncoderFactory creates a VideoEncoder for a configuration.
type EncoderFactory func(EncoderConfig) (VideoEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// codec -> provider -> factory
	providers map[VideoCodec]map[Provider]EncoderFactory
	defaults  map[VideoCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	providers: make(map[VideoCodec]map[Provider]EncoderFactory),
	defaults:  make(map[VideoCodec]Provider),
}

// RegisterVideoEncoder registers a factory for a codec+provider and marks
// the provider available. Permissive-license providers win the default slot.
func RegisterVideoEncoder(codec VideoCodec, provider Provider, factory EncoderFactory) {
	r := globalEncoderRegistry
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.providers[codec] == nil {
		r.providers[codec] = make(map[Provider]EncoderFactory)
	}
	r.providers[codec][provider] = factory
	setProviderAvailable(provider, true)

	current, exists := r.defaults[codec]
	if !exists || (provider.License().Permissive() && !current.License().Permissive()) {
		r.defaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	r := globalEncoderRegistry
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[codec] = provider
}

// ResolveProvider returns the provider NewVideoEncoder would use for config.
func ResolveProvider(config EncoderConfig) Provider {
	if config.Provider != ProviderAuto {
		return config.Provider
	}
	r := globalEncoderRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults[config.Codec]
}

// NewVideoEncoder creates a video encoder from the registered providers.
// It is the default EncoderFactory of an EncoderPool.
func NewVideoEncoder(config EncoderConfig) (VideoEncoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	r := globalEncoderRegistry
	r.mu.RLock()
	providers := r.providers[config.Codec]
	p := config.Provider
	if p == ProviderAuto {
		p = r.defaults[config.Codec]
	}
	factory, ok := providers[p]
	r.mu.RUnlock()

	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrCodecNotSupported, config.Codec)
	}
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, config.Codec)
	}
	return factory(config)
}

// VideoEncoderProviders returns available providers for a codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	r := globalEncoderRegistry
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := r.providers[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
