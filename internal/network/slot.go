package network

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/waterfall/internal/ads"
)

// HandleState is the lifecycle state of a per-format ad handle.
type HandleState string

const (
	// HandleAbsent means no ad is loaded or loading.
	HandleAbsent HandleState = "absent"
	// HandleLoading means a load is in flight.
	HandleLoading HandleState = "loading"
	// HandleReady means a loaded ad is waiting to be shown.
	HandleReady HandleState = "ready"
)

// RetryPolicy configures exponential reload after a failed load.
type RetryPolicy struct {
	Enabled             bool
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         int
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	b.Reset()
	return b
}

// slot holds the single handle allowed per (provider, format).
type slot struct {
	format    ads.Format
	state     HandleState
	ad        Ad
	loadToken uint64
	loadedAt  time.Time

	// banner only
	visible         bool
	bannerPlacement string
	pendingBanner   *ads.ShowCallbacks

	retry    *backoff.ExponentialBackOff
	attempts int
}

func newSlot(format ads.Format) *slot {
	return &slot{format: format, state: HandleAbsent}
}

// discard destroys the held ad and invalidates any in-flight load.
func (s *slot) discard() {
	if s.ad != nil {
		s.ad.Destroy()
		s.ad = nil
	}
	s.loadToken++
	s.state = HandleAbsent
	s.loadedAt = time.Time{}
}

// detach hands the ad to the caller and leaves the slot absent.
func (s *slot) detach() Ad {
	ad := s.ad
	s.ad = nil
	s.state = HandleAbsent
	s.loadedAt = time.Time{}
	return ad
}
