//go:build !(darwin || linux) || novpx

package peerbridge

// IsVPXAvailable checks if libmedia_vpx is available.
func IsVPXAvailable() bool { return false }

// IsVP8Available checks if VP8 encoding is available.
func IsVP8Available() bool { return false }

// IsVP9Available checks if VP9 encoding is available.
func IsVP9Available() bool { return false }
