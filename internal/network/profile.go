package network

import (
	"time"

	"github.com/coachpo/waterfall/internal/ads"
)

// DefaultAppOpenValidity is how long a loaded app-open ad stays showable.
const DefaultAppOpenValidity = 4 * time.Hour

// Profile captures how a network variant differs from the others.
type Profile struct {
	Kind    string
	Formats ads.FormatSet
	// RequiresAppKey marks networks whose SDK cannot start without an app key.
	RequiresAppKey bool
	// BannerWhileLoading reports the banner as available as soon as its view exists.
	BannerWhileLoading bool
	AppOpenValidity    time.Duration
}

var (
	// AdMob serves every format including app-open.
	AdMob = Profile{
		Kind:               "admob",
		Formats:            ads.NewFormatSet(ads.FormatBanner, ads.FormatInterstitial, ads.FormatRewardedVideo, ads.FormatAppOpen),
		RequiresAppKey:     false,
		BannerWhileLoading: true,
		AppOpenValidity:    DefaultAppOpenValidity,
	}
	// IronSource is the LevelPlay mediation SDK; it has no app-open support.
	IronSource = Profile{
		Kind:               "ironsource",
		Formats:            ads.NewFormatSet(ads.FormatBanner, ads.FormatInterstitial, ads.FormatRewardedVideo),
		RequiresAppKey:     true,
		BannerWhileLoading: true,
		AppOpenValidity:    0,
	}
	// UnityAds runs through LevelPlay as well but only reports banners after a load.
	UnityAds = Profile{
		Kind:               "unityads",
		Formats:            ads.NewFormatSet(ads.FormatBanner, ads.FormatInterstitial, ads.FormatRewardedVideo),
		RequiresAppKey:     true,
		BannerWhileLoading: false,
		AppOpenValidity:    0,
	}
)

// ProfileFor resolves a built-in profile by kind.
func ProfileFor(kind string) (Profile, bool) {
	switch kind {
	case AdMob.Kind:
		return AdMob, true
	case IronSource.Kind:
		return IronSource, true
	case UnityAds.Kind:
		return UnityAds, true
	default:
		return Profile{}, false
	}
}

func (p Profile) appOpenValidity() time.Duration {
	if p.AppOpenValidity <= 0 {
		return DefaultAppOpenValidity
	}
	return p.AppOpenValidity
}
