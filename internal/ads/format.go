// Package ads defines the ad formats, provider capability contract and event taxonomy
// shared by the network adapters and the mediation coordinator.
package ads

import (
	"fmt"
	"strings"
)

// Format enumerates the ad formats a provider may serve.
type Format uint8

const (
	// FormatBanner is a persistent banner view.
	FormatBanner Format = iota + 1
	// FormatInterstitial is a fullscreen interstitial.
	FormatInterstitial
	// FormatRewardedVideo is a fullscreen rewarded video.
	FormatRewardedVideo
	// FormatAppOpen is a fullscreen app-open ad with a freshness deadline.
	FormatAppOpen
)

// Formats lists every format in request order.
var Formats = []Format{FormatBanner, FormatInterstitial, FormatRewardedVideo, FormatAppOpen}

func (f Format) String() string {
	switch f {
	case FormatBanner:
		return AdTypeBanner
	case FormatInterstitial:
		return AdTypeInterstitial
	case FormatRewardedVideo:
		return AdTypeRewardedVideo
	case FormatAppOpen:
		return AdTypeAppOpen
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	return f >= FormatBanner && f <= FormatAppOpen
}

// Fullscreen reports whether the format is consumed by a show.
func (f Format) Fullscreen() bool {
	return f == FormatInterstitial || f == FormatRewardedVideo || f == FormatAppOpen
}

// ParseFormat resolves the textual ad type used in telemetry and configuration.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case AdTypeBanner:
		return FormatBanner, nil
	case AdTypeInterstitial, "inter":
		return FormatInterstitial, nil
	case AdTypeRewardedVideo, "rewarded":
		return FormatRewardedVideo, nil
	case AdTypeAppOpen, "appopen":
		return FormatAppOpen, nil
	default:
		return 0, fmt.Errorf("unknown ad format %q", raw)
	}
}

// FormatSet is a small bitset of supported formats.
type FormatSet uint8

// NewFormatSet builds a set from the given formats.
func NewFormatSet(formats ...Format) FormatSet {
	var s FormatSet
	for _, f := range formats {
		if f.Valid() {
			s |= 1 << f
		}
	}
	return s
}

// Has reports whether f is in the set.
func (s FormatSet) Has(f Format) bool {
	return f.Valid() && s&(1<<f) != 0
}
