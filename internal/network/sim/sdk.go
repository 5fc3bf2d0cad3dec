// Package sim provides a simulated native ad SDK. Outcomes are drawn from a seeded
// source on the calling goroutine and delivered later from pool workers, the way a
// real SDK reports from its own threads.
package sim

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/waterfall/config"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/network"
	"github.com/coachpo/waterfall/lib/async"
)

// Options configures a simulated SDK.
type Options struct {
	Name    string
	Profile config.SimProfile
	Pool    *async.Pool
	Seed    int64
	Logger  *log.Logger
}

// SDK implements network.SDK.
type SDK struct {
	name    string
	profile config.SimProfile
	pool    *async.Pool
	logger  *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// overflow runs deliveries the pool rejected when saturated.
	overflow conc.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	handlerMu sync.RWMutex
	handler   func(network.ShowEvent)

	consent atomic.Bool
	loads   atomic.Uint64
	shows   atomic.Uint64
}

var _ network.SDK = (*SDK)(nil)

// New constructs a simulated SDK.
func New(opts Options) (*SDK, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("sim %s: pool required", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "sim-"+opts.Name+" ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SDK{
		name:    opts.Name,
		profile: opts.Profile,
		pool:    opts.Pool,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		rng:     rand.New(rand.NewSource(opts.Seed)), // #nosec G404 -- simulation only.
	}, nil
}

// Resolver returns a network.SDKResolver building one simulated SDK per network. Seeds
// are derived from base so every network draws an independent sequence.
func Resolver(pool *async.Pool, base int64, logger *log.Logger) (network.SDKResolver, func()) {
	var mu sync.Mutex
	var built []*SDK
	resolve := func(spec config.NetworkSpec) (network.SDK, error) {
		mu.Lock()
		defer mu.Unlock()
		sdk, err := New(Options{
			Name:    spec.Name,
			Profile: spec.Sim,
			Pool:    pool,
			Seed:    base + int64(len(built)),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		built = append(built, sdk)
		return sdk, nil
	}
	closeAll := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, sdk := range built {
			sdk.Close()
		}
	}
	return resolve, closeAll
}

// Init completes after the configured latency.
func (s *SDK) Init(appKey string, done func(error)) {
	s.logger.Printf("init app_key_set=%t", appKey != "")
	s.deliver(func() { done(nil) })
}

// SetConsent records the consent signal.
func (s *SDK) SetConsent(granted bool) { s.consent.Store(granted) }

// Consent reports the last consent signal.
func (s *SDK) Consent() bool { return s.consent.Load() }

// SetShowHandler registers the persistent show handler.
func (s *SDK) SetShowHandler(handler func(network.ShowEvent)) {
	s.handlerMu.Lock()
	s.handler = handler
	s.handlerMu.Unlock()
}

// Load fills with probability FillRate.
func (s *SDK) Load(format ads.Format, unitID string, done func(network.Ad, error)) {
	s.loads.Add(1)
	filled := s.roll() < s.profile.FillRate
	s.deliver(func() {
		if !filled {
			done(nil, fmt.Errorf("%s: no fill for %s unit %s", s.name, format, unitID))
			return
		}
		ad := &simAd{sdk: s, format: format, unit: unitID}
		ad.ready.Store(true)
		done(ad, nil)
	})
}

// Loads reports how many loads were requested.
func (s *SDK) Loads() uint64 { return s.loads.Load() }

// Shows reports how many shows were started.
func (s *SDK) Shows() uint64 { return s.shows.Load() }

// Close cancels pending deliveries and waits for overflow goroutines.
func (s *SDK) Close() {
	s.cancel()
	s.overflow.Wait()
}

type showPlan struct {
	failed   bool
	rewarded bool
	revenue  decimal.Decimal
}

func (s *SDK) planShow(format ads.Format) showPlan {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	plan := showPlan{
		failed:  s.rng.Float64() < s.profile.DisplayFailRate,
		revenue: decimal.NewFromFloat(s.rng.Float64() * 0.02).Round(6),
	}
	if format == ads.FormatRewardedVideo {
		plan.rewarded = s.rng.Float64() < s.profile.RewardRate
	}
	return plan
}

func (s *SDK) show(ad *simAd, token, placement string) {
	s.shows.Add(1)
	plan := s.planShow(ad.format)
	format := ad.format
	s.deliver(func() {
		if plan.failed {
			s.emit(network.ShowEvent{Token: token, Format: format, Kind: network.ShowDisplayFailed,
				Err: fmt.Errorf("%s: display failed at %s", s.name, placement)})
			return
		}
		s.emit(network.ShowEvent{Token: token, Format: format, Kind: network.ShowDisplayed})
		s.emit(network.ShowEvent{Token: token, Format: format, Kind: network.ShowPaid,
			Revenue: plan.revenue, Currency: "USD", Precision: "estimated"})
		if plan.rewarded {
			s.emit(network.ShowEvent{Token: token, Format: format, Kind: network.ShowRewarded})
		}
		if format.Fullscreen() {
			s.emit(network.ShowEvent{Token: token, Format: format, Kind: network.ShowClosed})
		}
	})
}

func (s *SDK) emit(ev network.ShowEvent) {
	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (s *SDK) roll() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

// deliver runs fn after the simulated latency on a pool worker.
func (s *SDK) deliver(fn func()) {
	latency := s.profile.Latency
	task := func(ctx context.Context) error {
		if latency > 0 {
			timer := time.NewTimer(latency)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		fn()
		return nil
	}
	if err := s.pool.Submit(s.ctx, task); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Printf("pool rejected delivery, running inline worker: %v", err)
		s.overflow.Go(func() { _ = task(s.ctx) })
	}
}

type simAd struct {
	sdk       *SDK
	format    ads.Format
	unit      string
	ready     atomic.Bool
	hidden    atomic.Bool
	destroyed atomic.Bool
}

func (a *simAd) Ready() bool { return a.ready.Load() && !a.destroyed.Load() }

func (a *simAd) Show(token, placement string) {
	if a.format.Fullscreen() {
		a.ready.Store(false)
	}
	a.hidden.Store(false)
	a.sdk.show(a, token, placement)
}

func (a *simAd) Hide() { a.hidden.Store(true) }

func (a *simAd) Destroy() {
	a.destroyed.Store(true)
	a.ready.Store(false)
}
