package ads

// Ad type attribute values.
const (
	AdTypeBanner        = "banner"
	AdTypeInterstitial  = "interstitial"
	AdTypeRewardedVideo = "rewarded_video"
	AdTypeAppOpen       = "app_open"
)

// Waterfall telemetry events.
const (
	EventAdsRequest     = "ads_request"
	EventAdsAvailable   = "ads_available"
	EventAdsShowSuccess = "ads_show_success"
	EventAdsShowFail    = "ads_show_fail"
)

// Analytics events.
const (
	EventInterStartLoad    = "ad_inter_start_load"
	EventInterCompleteLoad = "ad_inter_complete_load"
	EventInterLoadFail     = "ad_inter_load_fail"
	EventInterShow         = "ad_inter_show"
	EventInterShowComplete = "ad_inter_show_complete"

	EventRewardStartLoad    = "ad_rewarded_start_load"
	EventRewardCompleteLoad = "ad_rewarded_complete_load"
	EventRewardLoadFail     = "ad_rewarded_load_fail"
	EventRewardShow         = "ad_rewarded_show"
	EventRewardShowComplete = "ad_rewarded_show_complete"

	EventAdImpression = "ad_impression"
)

// Attribution events.
const (
	EventAfInterShow       = "af_inters_show"
	EventAfInterDisplayed  = "af_inters_displayed"
	EventAfRewardShow      = "af_rewarded_show"
	EventAfRewardDisplayed = "af_rewarded_displayed"
	EventAfAdRevenue       = "af_ad_revenue"
)

// Attribute keys.
const (
	ParamWhere     = "where"
	ParamSource    = "source"
	ParamAdType    = "ad_type"
	ParamPlacement = "placement"
	ParamReason    = "reason"
	ParamAfLevel   = "af_level"
	ParamPlatform  = "ad_platform"
	ParamAdSource  = "ad_source"
	ParamAdFormat  = "ad_format"
	ParamValue     = "value"
	ParamCurrency  = "currency"
	ParamPrecision = "precision"
)

// LoadEvents names the analytics events for a format's load lifecycle. Only
// interstitial and rewarded formats have them.
func LoadEvents(f Format) (start, complete, fail string, ok bool) {
	switch f {
	case FormatInterstitial:
		return EventInterStartLoad, EventInterCompleteLoad, EventInterLoadFail, true
	case FormatRewardedVideo:
		return EventRewardStartLoad, EventRewardCompleteLoad, EventRewardLoadFail, true
	default:
		return "", "", "", false
	}
}

// ShowEvents names the analytics and attribution events around a format's show.
func ShowEvents(f Format) (show, complete, afShow, afDisplayed string, ok bool) {
	switch f {
	case FormatInterstitial:
		return EventInterShow, EventInterShowComplete, EventAfInterShow, EventAfInterDisplayed, true
	case FormatRewardedVideo:
		return EventRewardShow, EventRewardShowComplete, EventAfRewardShow, EventAfRewardDisplayed, true
	default:
		return "", "", "", "", false
	}
}
