package peerbridge

import "strings"

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecH265
	VideoCodecAV1
	videoCodecCount
)

type videoCodecMeta struct {
	Name        string
	MimeType    string
	PayloadType uint8
}

// Static codec table, indexed by VideoCodec.
var videoCodecInfo = [videoCodecCount]videoCodecMeta{
	VideoCodecUnknown: {"Unknown", "", 96},
	VideoCodecVP8:     {"VP8", "video/VP8", 96},
	VideoCodecVP9:     {"VP9", "video/VP9", 98},
	VideoCodecH264:    {"H264", "video/H264", 102},
	VideoCodecH265:    {"H265", "video/H265", 104},
	VideoCodecAV1:     {"AV1", "video/AV1", 35},
}

func (c VideoCodec) meta() videoCodecMeta {
	if c < 0 || c >= videoCodecCount {
		return videoCodecInfo[VideoCodecUnknown]
	}
	return videoCodecInfo[c]
}

func (c VideoCodec) String() string { return c.meta().Name }

// MimeType returns the MIME type for this codec, or "" if unknown.
func (c VideoCodec) MimeType() string { return c.meta().MimeType }

// ClockRate returns the RTP clock rate. All video codecs use 90kHz.
func (c VideoCodec) ClockRate() uint32 { return 90000 }

// DefaultPayloadType returns a typical payload type for this codec.
// The actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 { return c.meta().PayloadType }

// ParseVideoCodec maps a MIME type ("video/VP8") or bare name ("vp8") to a
// VideoCodec. Matching is case-insensitive.
func ParseVideoCodec(s string) VideoCodec {
	s = strings.TrimPrefix(strings.ToLower(s), "video/")
	for c := VideoCodecVP8; c < videoCodecCount; c++ {
		if strings.ToLower(videoCodecInfo[c].Name) == s {
			return c
		}
	}
	return VideoCodecUnknown
}

// RateControlMode defines the encoder rate control mode.
type RateControlMode int

const (
	RateControlVBR RateControlMode = iota // Variable bitrate
	RateControlCBR                        // Constant bitrate
	RateControlCQ                         // Constant quality (CRF)
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlVBR:
		return "VBR"
	case RateControlCBR:
		return "CBR"
	case RateControlCQ:
		return "CQ"
	default:
		return "Unknown"
	}
}

// H264Profile defines H.264 encoding profiles.
type H264Profile int

const (
	H264ProfileBaseline H264Profile = iota
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// VP9Profile defines VP9 encoding profiles.
type VP9Profile int

const (
	VP9Profile0 VP9Profile = iota // 8-bit, 4:2:0
	VP9Profile1                   // 8-bit, 4:2:2 or 4:4:4
	VP9Profile2                   // 10/12-bit, 4:2:0
	VP9Profile3                   // 10/12-bit, 4:2:2 or 4:4:4
)

// AV1Profile defines AV1 encoding profiles.
type AV1Profile int

const (
	AV1ProfileMain         AV1Profile = iota // 8-bit, 4:2:0
	AV1ProfileHigh                           // 8-bit, 4:4:4
	AV1ProfileProfessional                   // 10/12-bit
)
