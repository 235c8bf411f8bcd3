//go:build !(darwin || linux) || noh264

package peerbridge

// IsH264EncoderAvailable checks if the x264 encoder in libmedia_h264 is usable.
func IsH264EncoderAvailable() bool { return false }
