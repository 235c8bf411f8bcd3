//go:build (darwin || linux) && !novpx

// VP8/VP9 encoders backed by libmedia_vpx, loaded at runtime with purego.
// MEDIA_VPX_LIB_PATH overrides the library location.

package peerbridge

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_vpx function pointers
var (
	mediaVPXEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	mediaVPXEncoderCreateSVC     func(codec, width, height, fps, bitrateKbps, threads, temporalLayers, spatialLayers int32) uint64
	mediaVPXEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaVPXEncoderEncodeSVC     func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outTemporalLayer, outSpatialLayer uintptr) int32
	mediaVPXEncoderMaxOutputSize func(encoder uint64) int32
	mediaVPXEncoderRequestKF     func(encoder uint64)
	mediaVPXEncoderDestroy       func(encoder uint64)

	mediaVPXGetError       func() uintptr
	mediaVPXCodecAvailable func(codec int32) int32
)

// Constants from media_vpx.h
const (
	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1

	mediaVPXFrameKey = 0
)

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		mediaVPXHandle, mediaVPXInitErr = dlopenNative("MEDIA_VPX_LIB_PATH", "vpx")
		if mediaVPXInitErr == nil {
			registerMediaVPXSymbols()
		}
	})
	return mediaVPXInitErr
}

func registerMediaVPXSymbols() {
	purego.RegisterLibFunc(&mediaVPXEncoderCreate, mediaVPXHandle, "media_vpx_encoder_create")
	purego.RegisterLibFunc(&mediaVPXEncoderCreateSVC, mediaVPXHandle, "media_vpx_encoder_create_svc")
	purego.RegisterLibFunc(&mediaVPXEncoderEncode, mediaVPXHandle, "media_vpx_encoder_encode")
	purego.RegisterLibFunc(&mediaVPXEncoderEncodeSVC, mediaVPXHandle, "media_vpx_encoder_encode_svc")
	purego.RegisterLibFunc(&mediaVPXEncoderMaxOutputSize, mediaVPXHandle, "media_vpx_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaVPXEncoderRequestKF, mediaVPXHandle, "media_vpx_encoder_request_keyframe")
	purego.RegisterLibFunc(&mediaVPXEncoderDestroy, mediaVPXHandle, "media_vpx_encoder_destroy")

	purego.RegisterLibFunc(&mediaVPXGetError, mediaVPXHandle, "media_vpx_get_error")
	purego.RegisterLibFunc(&mediaVPXCodecAvailable, mediaVPXHandle, "media_vpx_codec_available")
}

// IsVPXAvailable checks if libmedia_vpx is available.
func IsVPXAvailable() bool {
	return loadMediaVPX() == nil
}

// IsVP8Available checks if VP8 encoding is available.
func IsVP8Available() bool {
	return IsVPXAvailable() && mediaVPXCodecAvailable(mediaVPXCodecVP8) != 0
}

// IsVP9Available checks if VP9 encoding is available.
func IsVP9Available() bool {
	return IsVPXAvailable() && mediaVPXCodecAvailable(mediaVPXCodecVP9) != 0
}

// VPXEncoder implements VideoEncoder using libmedia_vpx.
// Not safe for concurrent use; a pool controller drives it from one goroutine.
type VPXEncoder struct {
	config EncoderConfig
	handle uint64
	svc    bool

	outputBuf   []byte
	keyframeReq atomic.Bool

	frames   uint32
	duration uint32 // 90kHz ticks per frame
}

// NewVP8Encoder creates a VP8 encoder.
func NewVP8Encoder(config EncoderConfig) (*VPXEncoder, error) {
	config.Codec = VideoCodecVP8
	return newVPXEncoder(config)
}

// NewVP9Encoder creates a VP9 encoder.
func NewVP9Encoder(config EncoderConfig) (*VPXEncoder, error) {
	config.Codec = VideoCodecVP9
	return newVPXEncoder(config)
}

func newVPXEncoder(config EncoderConfig) (*VPXEncoder, error) {
	if err := loadMediaVPX(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderNotFound, config.Codec, err)
	}
	config = config.withDefaults()

	var codecType int32
	switch config.Codec {
	case VideoCodecVP8:
		codecType = mediaVPXCodecVP8
	case VideoCodecVP9:
		codecType = mediaVPXCodecVP9
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, config.Codec)
	}

	svc := config.TemporalLayers > 1 || config.SpatialLayers > 1
	var handle uint64
	if svc {
		handle = mediaVPXEncoderCreateSVC(codecType,
			int32(config.Width), int32(config.Height), int32(config.FPS),
			nativeBitrateKbps(config.BitrateBps), nativeThreads(config.Threads),
			int32(config.TemporalLayers), int32(config.SpatialLayers))
	} else {
		handle = mediaVPXEncoderCreate(codecType,
			int32(config.Width), int32(config.Height), int32(config.FPS),
			nativeBitrateKbps(config.BitrateBps), nativeThreads(config.Threads))
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to create %s encoder: %s", config.Codec, nativeError(mediaVPXGetError))
	}

	maxOutput := mediaVPXEncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(config.Width, config.Height))
	}

	e := &VPXEncoder{
		config:    config,
		handle:    handle,
		svc:       svc,
		outputBuf: make([]byte, maxOutput),
		duration:  config.Codec.ClockRate() / uint32(config.FPS),
	}
	e.keyframeReq.Store(true)
	return e, nil
}

// Encode implements VideoEncoder. The returned data aliases an internal
// buffer reused by the next call.
func (e *VPXEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	if e.handle == 0 {
		return nil, errors.New("encoder closed")
	}
	if err := frame.Fits(e.config.Width, e.config.Height); err != nil {
		return nil, err
	}

	force := int32(0)
	if e.keyframeReq.Swap(false) {
		force = 1
	}

	var frameType int32
	var pts int64
	var temporalLayer, spatialLayer int32
	var n int32

	y, u, v := framePlanes(frame)
	out := uintptr(unsafe.Pointer(&e.outputBuf[0]))

	if e.svc {
		n = mediaVPXEncoderEncodeSVC(e.handle, y, u, v,
			int32(frame.Stride[0]), int32(frame.Stride[1]), force,
			out, int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&pts)),
			uintptr(unsafe.Pointer(&temporalLayer)),
			uintptr(unsafe.Pointer(&spatialLayer)))
	} else {
		n = mediaVPXEncoderEncode(e.handle, y, u, v,
			int32(frame.Stride[0]), int32(frame.Stride[1]), force,
			out, int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&pts)))
	}
	runtime.KeepAlive(frame)

	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", nativeError(mediaVPXGetError))
	}

	ts := e.frames * e.duration
	e.frames++
	if n == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if frameType == mediaVPXFrameKey {
		ft = FrameTypeKey
	}
	return &EncodedFrame{
		Data:            e.outputBuf[:n],
		FrameType:       ft,
		Timestamp:       ts,
		Duration:        e.duration,
		TemporalLayerID: uint8(temporalLayer),
		SpatialLayerID:  uint8(spatialLayer),
	}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *VPXEncoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	if e.handle != 0 {
		mediaVPXEncoderRequestKF(e.handle)
	}
}

// Provider implements VideoEncoder.
func (e *VPXEncoder) Provider() Provider { return ProviderLibvpx }

// Config implements VideoEncoder.
func (e *VPXEncoder) Config() EncoderConfig { return e.config }

// Close implements VideoEncoder.
func (e *VPXEncoder) Close() error {
	if e.handle != 0 {
		mediaVPXEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if IsVP8Available() {
		RegisterVideoEncoder(VideoCodecVP8, ProviderLibvpx, func(config EncoderConfig) (VideoEncoder, error) {
			return NewVP8Encoder(config)
		})
	}
	if IsVP9Available() {
		RegisterVideoEncoder(VideoCodecVP9, ProviderLibvpx, func(config EncoderConfig) (VideoEncoder, error) {
			return NewVP9Encoder(config)
		})
	}
}
