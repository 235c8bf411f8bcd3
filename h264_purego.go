//go:build (darwin || linux) && !noh264

// H.264 encoder backed by libmedia_h264 (x264), loaded with purego.
// MEDIA_H264_LIB_PATH overrides the library location.

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
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderRequestKF     func(encoder uint64)
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66
	mediaH264ProfileMain     = 77
	mediaH264ProfileHigh     = 100

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3
)

func h264ProfileIDC(p H264Profile) int32 {
	switch p {
	case H264ProfileMain:
		return mediaH264ProfileMain
	case H264ProfileHigh:
		return mediaH264ProfileHigh
	default:
		return mediaH264ProfileBaseline
	}
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264Handle, mediaH264InitErr = dlopenNative("MEDIA_H264_LIB_PATH", "h264")
		if mediaH264InitErr != nil {
			return
		}
		purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
		purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
		purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaH264EncoderRequestKF, mediaH264Handle, "media_h264_encoder_request_keyframe")
		purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")
		purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
		purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
	})
	return mediaH264InitErr
}

// IsH264EncoderAvailable checks if the x264 encoder in libmedia_h264 is usable.
func IsH264EncoderAvailable() bool {
	return loadMediaH264() == nil && mediaH264EncoderAvailable() != 0
}

// H264Encoder implements VideoEncoder for H.264 (x264).
// Not safe for concurrent use.
type H264Encoder struct {
	config EncoderConfig
	handle uint64

	outputBuf   []byte
	keyframeReq atomic.Bool
	duration    uint32
}

// NewH264Encoder creates an H.264 encoder. config.H264Profile selects the
// profile; output is Annex B.
func NewH264Encoder(config EncoderConfig) (*H264Encoder, error) {
	config.Codec = VideoCodecH264
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProviderNotFound, ProviderX264, err)
	}
	if mediaH264EncoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: x264 not compiled into libmedia_h264", ErrProviderNotFound)
	}
	config = config.withDefaults()

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(config.FPS),
		nativeBitrateKbps(config.BitrateBps),
		h264ProfileIDC(config.H264Profile),
		nativeThreads(config.Threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", nativeError(mediaH264GetError))
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(config.Width, config.Height))
	}

	e := &H264Encoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
		duration:  config.Codec.ClockRate() / uint32(config.FPS),
	}
	e.keyframeReq.Store(true)
	return e, nil
}

// Encode implements VideoEncoder. The returned data aliases an internal
// buffer reused by the next call.
func (e *H264Encoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
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
	var pts, dts int64
	y, u, v := framePlanes(frame)

	n := mediaH264EncoderEncode(
		e.handle,
		y, u, v,
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		force,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
		uintptr(unsafe.Pointer(&dts)),
	)
	runtime.KeepAlive(frame)

	if n < 0 {
		return nil, fmt.Errorf("encode failed: %s", nativeError(mediaH264GetError))
	}
	if n == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if frameType == mediaH264FrameIDR || frameType == mediaH264FrameI {
		ft = FrameTypeKey
	}
	return &EncodedFrame{
		Data:      e.outputBuf[:n],
		FrameType: ft,
		Timestamp: uint32(pts) * e.duration,
		Duration:  e.duration,
	}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *H264Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	if e.handle != 0 {
		mediaH264EncoderRequestKF(e.handle)
	}
}

// Provider implements VideoEncoder.
func (e *H264Encoder) Provider() Provider { return ProviderX264 }

// Config implements VideoEncoder.
func (e *H264Encoder) Config() EncoderConfig { return e.config }

// Close implements VideoEncoder.
func (e *H264Encoder) Close() error {
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

func init() {
	if IsH264EncoderAvailable() {
		RegisterVideoEncoder(VideoCodecH264, ProviderX264, func(config EncoderConfig) (VideoEncoder, error) {
			return NewH264Encoder(config)
		})
	}
}
