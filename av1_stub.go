//go:build !(darwin || linux) || noav1

package peerbridge

// IsAV1EncoderAvailable checks if the libaom encoder in libmedia_av1 is usable.
func IsAV1EncoderAvailable() bool { return false }
