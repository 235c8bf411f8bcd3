package peerbridge

import (
	"bytes"
	"errors"
	"testing"
)

func TestI420Size(t *testing.T) {
	tests := []struct {
		width, height int
		want          int
	}{
		{640, 480, 640*480 + 2*320*240},
		{1280, 720, 1280*720 + 2*640*360},
		{3, 3, 9 + 2*2*2}, // Odd dimensions round chroma up
	}

	for _, tt := range tests {
		if got := I420Size(tt.width, tt.height); got != tt.want {
			t.Errorf("I420Size(%d, %d) = %d, want %d", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestNewI420Frame(t *testing.T) {
	f := NewI420Frame(641, 481)
	if !f.Valid() {
		t.Fatal("new frame should be valid")
	}
	if len(f.Data[0]) != 641*481 {
		t.Errorf("Y plane = %d bytes, want %d", len(f.Data[0]), 641*481)
	}
	if f.Stride[1] != 321 || len(f.Data[1]) != 321*241 {
		t.Errorf("U plane stride %d size %d", f.Stride[1], len(f.Data[1]))
	}

	var nilFrame *VideoFrame
	if nilFrame.Valid() {
		t.Error("nil frame should be invalid")
	}
	if (&VideoFrame{Width: 2, Height: 2}).Valid() {
		t.Error("frame without planes should be invalid")
	}
}

func TestVideoFrameFits(t *testing.T) {
	padded := NewI420Frame(64, 32)
	padded.Stride[0] = 80
	padded.Data[0] = make([]byte, 80*32)

	short := NewI420Frame(64, 32)
	short.Data[2] = short.Data[2][:10]

	narrow := NewI420Frame(64, 32)
	narrow.Stride[1] = 16

	tests := []struct {
		name  string
		frame *VideoFrame
		want  error
	}{
		{"exact", NewI420Frame(64, 32), nil},
		{"odd", NewI420Frame(65, 33), ErrFrameMismatch},
		{"smaller", NewI420Frame(32, 16), ErrFrameMismatch},
		{"padded stride", padded, nil},
		{"short plane", short, ErrFrameMismatch},
		{"stride below width", narrow, ErrFrameMismatch},
		{"empty", &VideoFrame{}, ErrInvalidFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Fits(64, 32)
			if tt.want == nil && err != nil {
				t.Errorf("Fits() = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Fits() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFillTestPattern(t *testing.T) {
	a := NewI420Frame(64, 32)
	b := NewI420Frame(64, 32)
	FillTestPattern(a, 0)
	FillTestPattern(b, 5)

	if bytes.Equal(a.Data[0], b.Data[0]) {
		t.Error("pattern should move between frames")
	}
	if a.Timestamp == 0 {
		t.Error("timestamp not set")
	}

	c := NewI420Frame(64, 32)
	FillTestPattern(c, 64) // Full scroll wraps around
	if !bytes.Equal(a.Data[0], c.Data[0]) {
		t.Error("pattern should wrap after width frames")
	}
}

func TestEncodedFrame_Clone(t *testing.T) {
	original := &EncodedFrame{
		Data:            []byte{1, 2, 3, 4, 5},
		FrameType:       FrameTypeKey,
		Timestamp:       90000,
		Duration:        3000,
		TemporalLayerID: 1,
	}

	clone := original.Clone()
	if clone.FrameType != original.FrameType || clone.Timestamp != original.Timestamp ||
		clone.Duration != original.Duration || clone.TemporalLayerID != original.TemporalLayerID {
		t.Errorf("clone metadata mismatch: %+v vs %+v", clone, original)
	}

	original.Data[0] = 99
	if clone.Data[0] == 99 {
		t.Error("clone data should be independent of original")
	}
}

func TestEncodedFrame_IsKeyframe(t *testing.T) {
	tests := []struct {
		frameType FrameType
		want      bool
	}{
		{FrameTypeKey, true},
		{FrameTypeDelta, false},
		{FrameTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.frameType.String(), func(t *testing.T) {
			f := &EncodedFrame{FrameType: tt.frameType}
			if got := f.IsKeyframe(); got != tt.want {
				t.Errorf("IsKeyframe() = %v, want %v", got, tt.want)
			}
		})
	}
}
