//go:build (darwin || linux) && !noav1

// AV1 encoder backed by libmedia_av1 (libaom, realtime usage), loaded with
// purego. MEDIA_AV1_LIB_PATH overrides the library location.

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
	mediaAV1Once    sync.Once
	mediaAV1Handle  uintptr
	mediaAV1InitErr error
)

// libmedia_av1 function pointers
var (
	mediaAV1EncoderCreate        func(width, height, fps, bitrateKbps, usage, threads int32) uint64
	mediaAV1EncoderCreateSVC     func(width, height, fps, bitrateKbps, usage, threads, temporalLayers, spatialLayers int32) uint64
	mediaAV1EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaAV1EncoderEncodeSVC     func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outTemporalLayer, outSpatialLayer uintptr) int32
	mediaAV1EncoderMaxOutputSize func(encoder uint64) int32
	mediaAV1EncoderRequestKF     func(encoder uint64)
	mediaAV1EncoderDestroy       func(encoder uint64)

	mediaAV1GetError         func() uintptr
	mediaAV1EncoderAvailable func() int32
)

// Constants from media_av1.h
const (
	mediaAV1FrameKey      = 0
	mediaAV1UsageRealtime = 1
)

func loadMediaAV1() error {
	mediaAV1Once.Do(func() {
		mediaAV1Handle, mediaAV1InitErr = dlopenNative("MEDIA_AV1_LIB_PATH", "av1")
		if mediaAV1InitErr != nil {
			return
		}
		purego.RegisterLibFunc(&mediaAV1EncoderCreate, mediaAV1Handle, "media_av1_encoder_create")
		purego.RegisterLibFunc(&mediaAV1EncoderCreateSVC, mediaAV1Handle, "media_av1_encoder_create_svc")
		purego.RegisterLibFunc(&mediaAV1EncoderEncode, mediaAV1Handle, "media_av1_encoder_encode")
		purego.RegisterLibFunc(&mediaAV1EncoderEncodeSVC, mediaAV1Handle, "media_av1_encoder_encode_svc")
		purego.RegisterLibFunc(&mediaAV1EncoderMaxOutputSize, mediaAV1Handle, "media_av1_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaAV1EncoderRequestKF, mediaAV1Handle, "media_av1_encoder_request_keyframe")
		purego.RegisterLibFunc(&mediaAV1EncoderDestroy, mediaAV1Handle, "media_av1_encoder_destroy")
		purego.RegisterLibFunc(&mediaAV1GetError, mediaAV1Handle, "media_av1_get_error")
		purego.RegisterLibFunc(&mediaAV1EncoderAvailable, mediaAV1Handle, "media_av1_encoder_available")
	})
	return mediaAV1InitErr
}

// IsAV1EncoderAvailable checks if the libaom encoder in libmedia_av1 is usable.
func IsAV1EncoderAvailable() bool {
	return loadMediaAV1() == nil && mediaAV1EncoderAvailable() != 0
}

// AV1Encoder implements VideoEncoder for AV1.
// Not safe for concurrent use.
type AV1Encoder struct {
	config EncoderConfig
	handle uint64
	svc    bool

	outputBuf   []byte
	keyframeReq atomic.Bool
	duration    uint32
}

// NewAV1Encoder creates an AV1 encoder. More than one temporal or spatial
// layer enables SVC.
func NewAV1Encoder(config EncoderConfig) (*AV1Encoder, error) {
	config.Codec = VideoCodecAV1
	if err := loadMediaAV1(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderNotFound, ProviderAOM, err)
	}
	if mediaAV1EncoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: libaom not compiled into libmedia_av1", ErrProviderNotFound)
	}
	config = config.withDefaults()

	svc := config.TemporalLayers > 1 || config.SpatialLayers > 1
	var handle uint64
	if svc {
		handle = mediaAV1EncoderCreateSVC(
			int32(config.Width), int32(config.Height), int32(config.FPS),
			nativeBitrateKbps(config.BitrateBps), mediaAV1UsageRealtime, nativeThreads(config.Threads),
			int32(config.TemporalLayers), int32(config.SpatialLayers))
	} else {
		handle = mediaAV1EncoderCreate(
			int32(config.Width), int32(config.Height), int32(config.FPS),
			nativeBitrateKbps(config.BitrateBps), mediaAV1UsageRealtime, nativeThreads(config.Threads))
	}
	if handle == 0 {
		return nil, fmt.Errorf("failed to create AV1 encoder: %s", nativeError(mediaAV1GetError))
	}

	maxOutput := mediaAV1EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(config.Width, config.Height))
	}

	e := &AV1Encoder{
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
func (e *AV1Encoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
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
		n = mediaAV1EncoderEncodeSVC(e.handle, y, u, v,
			int32(frame.Stride[0]), int32(frame.Stride[1]), force,
			out, int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&pts)),
			uintptr(unsafe.Pointer(&temporalLayer)),
			uintptr(unsafe.Pointer(&spatialLayer)))
	} else {
		n = mediaAV1EncoderEncode(e.handle, y, u, v,
			int32(frame.Stride[0]), int32(frame.Stride[1]), force,
			out, int32(len(e.outputBuf)),
			uintptr(unsafe.Pointer(&frameType)),
			uintptr(unsafe.Pointer(&pts)))
	}
	runtime.KeepAlive(frame)

	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", nativeError(mediaAV1GetError))
	}
	if n == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if frameType == mediaAV1FrameKey {
		ft = FrameTypeKey
	}
	return &EncodedFrame{
		Data:            e.outputBuf[:n],
		FrameType:       ft,
		Timestamp:       uint32(pts) * e.duration,
		Duration:        e.duration,
		TemporalLayerID: uint8(temporalLayer),
		SpatialLayerID:  uint8(spatialLayer),
	}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *AV1Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	if e.handle != 0 {
		mediaAV1EncoderRequestKF(e.handle)
	}
}

// Provider implements VideoEncoder.
func (e *AV1Encoder) Provider() Provider { return ProviderAOM }

// Config implements VideoEncoder.
func (e *AV1Encoder) Config() EncoderConfig { return e.config }

// Close implements VideoEncoder.
func (e *AV1Encoder) Close() error {
	if e.handle != 0 {
		mediaAV1EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if IsAV1EncoderAvailable() {
		RegisterVideoEncoder(VideoCodecAV1, ProviderAOM, func(config EncoderConfig) (VideoEncoder, error) {
			return NewAV1Encoder(config)
		})
	}
}
