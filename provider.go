package peerbridge

import "sync/atomic"

// Provider identifies an encoder implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let the registry choose the best available
	ProviderX264                     // GPL H.264 encoder
	ProviderOpenH264                 // BSD H.264 encoder
	ProviderLibvpx                   // BSD VP8/VP9
	ProviderAOM                      // BSD AV1 (libaom)
	ProviderSoftware                 // In-process encoders registered by callers
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL License = iota // Copyleft
	LicenseBSD                // Permissive
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

type providerMeta struct {
	Name    string
	License License
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD},
	ProviderX264:     {"x264", LicenseGPL},
	ProviderOpenH264: {"openh264", LicenseBSD},
	ProviderLibvpx:   {"libvpx", LicenseBSD},
	ProviderAOM:      {"libaom", LicenseBSD},
	ProviderSoftware: {"software", LicenseBSD},
}

// Set by provider implementations once their library is usable.
var providerAvailable [providerCount]atomic.Bool

func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func setProviderAvailable(p Provider, ok bool) {
	if p < providerCount {
		providerAvailable[p].Store(ok)
	}
}
