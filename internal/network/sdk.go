// Package network implements the per-network ad provider adapters on top of a small
// native SDK contract.
package network

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/waterfall/internal/ads"
)

// ShowEventKind classifies events a native SDK reports about a show.
type ShowEventKind string

const (
	// ShowDisplayed reports that the ad became visible.
	ShowDisplayed ShowEventKind = "displayed"
	// ShowRewarded reports that the user earned the reward.
	ShowRewarded ShowEventKind = "rewarded"
	// ShowPaid reports impression-level revenue.
	ShowPaid ShowEventKind = "paid"
	// ShowClosed reports that the fullscreen ad was dismissed.
	ShowClosed ShowEventKind = "closed"
	// ShowDisplayFailed reports that the ad could not be displayed.
	ShowDisplayFailed ShowEventKind = "display_failed"
)

// ShowEvent is delivered by the SDK on any goroutine. Token identifies the show
// invocation it belongs to.
type ShowEvent struct {
	Token     string
	Format    ads.Format
	Kind      ShowEventKind
	Err       error
	Revenue   decimal.Decimal
	Currency  string
	Precision string
}

// Ad is one loaded native ad instance.
type Ad interface {
	Ready() bool
	Show(token, placement string)
	Hide()
	Destroy()
}

// SDK is the native network binding an adapter drives. Completion callbacks and show
// events may arrive on arbitrary goroutines.
type SDK interface {
	Init(appKey string, done func(error))
	SetConsent(granted bool)
	Load(format ads.Format, unitID string, done func(Ad, error))
	// SetShowHandler registers the single persistent show event handler.
	SetShowHandler(handler func(ShowEvent))
}
