// Core frame types that flow through the encoder pool.
package peerbridge

import (
	"fmt"
	"time"
)

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// VideoFrame is a raw I420 frame submitted for encoding.
// The Data slices may point to external memory; the pool copies nothing, so
// callers must keep the frame valid until Encode returns.
type VideoFrame struct {
	Data      [][]byte // Y, U, V planes
	Stride    []int    // Stride for each plane in bytes
	Width     int
	Height    int
	Timestamp int64 // Capture timestamp in nanoseconds
}

// NewI420Frame allocates a zeroed I420 frame with tightly packed planes.
func NewI420Frame(width, height int) *VideoFrame {
	uvW, uvH := (width+1)/2, (height+1)/2
	return &VideoFrame{
		Data: [][]byte{
			make([]byte, width*height),
			make([]byte, uvW*uvH),
			make([]byte, uvW*uvH),
		},
		Stride: []int{width, uvW, uvW},
		Width:  width,
		Height: height,
	}
}

// Valid reports whether the frame has three non-empty planes with strides.
func (f *VideoFrame) Valid() bool {
	if f == nil || len(f.Data) < 3 || len(f.Stride) < 3 || f.Width <= 0 || f.Height <= 0 {
		return false
	}
	return len(f.Data[0]) > 0 && len(f.Data[1]) > 0 && len(f.Data[2]) > 0
}

// Fits returns nil if f is a valid I420 frame of exactly width x height
// whose planes hold every row their strides describe.
func (f *VideoFrame) Fits(width, height int) error {
	if !f.Valid() {
		return ErrInvalidFrame
	}
	if f.Width != width || f.Height != height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameMismatch, f.Width, f.Height, width, height)
	}
	uvW, uvH := (width+1)/2, (height+1)/2
	planes := [3][2]int{{width, height}, {uvW, uvH}, {uvW, uvH}}
	for i, pl := range planes {
		w, rows := pl[0], pl[1]
		if f.Stride[i] < w || len(f.Data[i]) < f.Stride[i]*(rows-1)+w {
			return fmt.Errorf("%w: plane %d too small for stride %d", ErrFrameMismatch, i, f.Stride[i])
		}
	}
	return nil
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	uvW, uvH := (width+1)/2, (height+1)/2
	return width*height + 2*uvW*uvH
}

// 75% SMPTE color bars in RGB.
var colorBarsRGB = [8][3]uint8{
	{191, 191, 191}, // white
	{191, 191, 0},   // yellow
	{0, 191, 191},   // cyan
	{0, 191, 0},     // green
	{191, 0, 191},   // magenta
	{191, 0, 0},     // red
	{0, 0, 191},     // blue
	{0, 0, 0},       // black
}

// FillTestPattern paints color bars scrolled by frameNum pixels, enough to
// give encoders real motion without a capture device.
func FillTestPattern(f *VideoFrame, frameNum uint64) {
	w, h := f.Width, f.Height
	barWidth := w / 8
	if barWidth == 0 {
		barWidth = 1
	}
	shift := int(frameNum % uint64(w))

	for y := 0; y < h; y++ {
		row := f.Data[0][y*f.Stride[0]:]
		for x := 0; x < w; x++ {
			idx := ((x + shift) % w) / barWidth
			if idx > 7 {
				idx = 7
			}
			rgb := colorBarsRGB[idx]
			yy, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			row[x] = yy
			if x%2 == 0 && y%2 == 0 {
				f.Data[1][(y/2)*f.Stride[1]+x/2] = u
				f.Data[2][(y/2)*f.Stride[2]+x/2] = v
			}
		}
	}
	f.Timestamp = time.Now().UnixNano()
}

// BT.601 full-range conversion.
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	y = clampByte(0.299*rf + 0.587*gf + 0.114*bf)
	u = clampByte(-0.169*rf - 0.331*gf + 0.5*bf + 128)
	v = clampByte(0.5*rf - 0.419*gf - 0.081*bf + 128)
	return
}

func clampByte(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// EncodedFrame holds encoded video data.
// Data returned by an encoder is owned by the encoder and valid until its next
// Encode call; the pool clones it once before fan-out.
type EncodedFrame struct {
	Data            []byte    // Encoded bitstream data
	FrameType       FrameType // Key or delta frame
	Timestamp       uint32    // RTP timestamp (90kHz clock)
	Duration        uint32    // Duration in RTP timestamp units
	TemporalLayerID uint8     // SVC temporal layer (0 = base)
	SpatialLayerID  uint8     // SVC spatial layer (0 = base)
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}
