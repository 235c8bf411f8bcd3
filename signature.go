package peerbridge

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// CodecSignature is the deduplication key of the encoder pool. Two
// configurations with equal signatures share one encoder and receive the same
// bytes.
type CodecSignature [sha256.Size]byte

// Fields of EncoderConfig that shape the encoded bitstream. Only these are
// hashed. A field missing from both lists fails TestSignatureFieldsClassified.
var signatureFields = []string{
	"Codec", "Provider",
	"Width", "Height", "FPS",
	"BitrateBps", "MinBitrateBps", "MaxBitrateBps",
	"KeyframeInterval", "RateControlMode", "Quality",
	"H264Profile", "VP9Profile", "AV1Profile",
	"TemporalLayers", "SpatialLayers",
}

// Fields that stay per session and never split the pool. Threads changes
// speed, not output; PayloadType is applied by each session's RTP track.
var perSessionFields = []string{"Threads", "PayloadType"}

// Signature computes the pool key for cfg. Defaults are applied first so an
// unset FPS and FPS=30 are the same encoder. Provider is hashed as given:
// ProviderAuto and an explicit provider never merge, which can only cost an
// extra encoder, never a wrong share.
func Signature(cfg EncoderConfig) CodecSignature {
	cfg = cfg.withDefaults()

	buf := make([]byte, 0, 256)
	put := func(name string, v int64) {
		buf = append(buf, name...)
		buf = append(buf, '=')
		buf = binary.BigEndian.AppendUint64(buf, uint64(v))
		buf = append(buf, ';')
	}

	put("Codec", int64(cfg.Codec))
	put("Provider", int64(cfg.Provider))
	put("Width", int64(cfg.Width))
	put("Height", int64(cfg.Height))
	put("FPS", int64(cfg.FPS))
	put("BitrateBps", int64(cfg.BitrateBps))
	put("MinBitrateBps", int64(cfg.MinBitrateBps))
	put("MaxBitrateBps", int64(cfg.MaxBitrateBps))
	put("KeyframeInterval", int64(cfg.KeyframeInterval))
	put("RateControlMode", int64(cfg.RateControlMode))
	put("Quality", int64(cfg.Quality))

	// Only the profile of the selected codec affects output.
	switch cfg.Codec {
	case VideoCodecH264:
		put("H264Profile", int64(cfg.H264Profile))
	case VideoCodecVP9:
		put("VP9Profile", int64(cfg.VP9Profile))
	case VideoCodecAV1:
		put("AV1Profile", int64(cfg.AV1Profile))
	}

	put("TemporalLayers", int64(cfg.TemporalLayers))
	put("SpatialLayers", int64(cfg.SpatialLayers))

	return sha256.Sum256(buf)
}

// IsZero reports whether s is the zero value.
func (s CodecSignature) IsZero() bool { return s == CodecSignature{} }

// String returns the first 8 bytes in hex, enough for logs and labels.
func (s CodecSignature) String() string { return hex.EncodeToString(s[:8]) }

// Hex returns the full signature in hex.
func (s CodecSignature) Hex() string { return hex.EncodeToString(s[:]) }
