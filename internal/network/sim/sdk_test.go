package sim

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/waterfall/config"
	"github.com/coachpo/waterfall/errs"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/deferred"
	"github.com/coachpo/waterfall/internal/network"
	"github.com/coachpo/waterfall/lib/async"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

type fixture struct {
	pool    *async.Pool
	queue   *deferred.Queue
	sdk     *SDK
	adapter *network.Adapter
}

func newFixture(t *testing.T, profile config.SimProfile) *fixture {
	t.Helper()
	pool, err := async.NewPool(2, 16, async.WithLogger(quietLogger()))
	require.NoError(t, err)
	sdk, err := New(Options{Name: "admob", Profile: profile, Pool: pool, Seed: 7, Logger: quietLogger()})
	require.NoError(t, err)
	queue := deferred.NewQueue(deferred.WithLogger(quietLogger()))
	adapter, err := network.NewAdapter(network.Options{
		Name:    "admob",
		Profile: network.AdMob,
		Units: map[ads.Format]string{
			ads.FormatInterstitial:  "inter",
			ads.FormatRewardedVideo: "rewarded",
		},
		SDK:    sdk,
		Queue:  queue,
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	f := &fixture{pool: pool, queue: queue, sdk: sdk, adapter: adapter}
	t.Cleanup(func() {
		adapter.Destroy()
		sdk.Close()
		require.NoError(t, pool.Shutdown(context.Background()))
	})
	return f
}

func (f *fixture) pump(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.queue.Drain()
		return cond()
	}, 2*time.Second, time.Millisecond)
}

func TestSimulatedShowRoundTrip(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t, config.SimProfile{Latency: time.Millisecond, FillRate: 1, DisplayFailRate: 0, RewardRate: 1})
	initialized := false
	require.NoError(t, f.adapter.Initialize(func(err error) {
		require.NoError(t, err)
		initialized = true
	}))
	f.pump(t, func() bool { return initialized })

	require.NoError(t, f.adapter.Request(ads.FormatRewardedVideo))
	f.pump(t, func() bool { return f.adapter.IsAvailable(ads.FormatRewardedVideo) })

	succeeded, failed := 0, 0
	require.NoError(t, f.adapter.Show(ads.FormatRewardedVideo, "shop", ads.ShowCallbacks{
		OnSuccess: func() { succeeded++ },
		OnFail:    func(error) { failed++ },
	}))
	f.pump(t, func() bool { return succeeded+failed == 1 })
	require.Equal(t, 1, succeeded)

	f.pump(t, func() bool { return f.adapter.IsAvailable(ads.FormatRewardedVideo) })
	require.EqualValues(t, 2, f.sdk.Loads())
	require.EqualValues(t, 1, f.sdk.Shows())
}

func TestSimulatedNoFill(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t, config.SimProfile{FillRate: 0})
	done := false
	require.NoError(t, f.adapter.Initialize(func(error) { done = true }))
	f.pump(t, func() bool { return done })

	var failure error
	f.adapter.Subscribe(func(n ads.Notification) {
		if n.Kind == ads.NotificationLoadFailed {
			failure = n.Err
		}
	})
	require.NoError(t, f.adapter.Request(ads.FormatInterstitial))
	f.pump(t, func() bool { return failure != nil })
	require.Equal(t, errs.CodeLoadFailed, errs.CodeOf(failure))
	require.ErrorContains(t, failure, "no fill")
}

func TestSimulatedDisplayFailure(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t, config.SimProfile{FillRate: 1, DisplayFailRate: 1})
	done := false
	require.NoError(t, f.adapter.Initialize(func(error) { done = true }))
	f.pump(t, func() bool { return done })

	require.NoError(t, f.adapter.Request(ads.FormatInterstitial))
	f.pump(t, func() bool { return f.adapter.IsAvailable(ads.FormatInterstitial) })

	var got error
	require.NoError(t, f.adapter.Show(ads.FormatInterstitial, "menu", ads.ShowCallbacks{OnFail: func(err error) { got = err }}))
	f.pump(t, func() bool { return got != nil })
	require.Equal(t, errs.CodeDisplayFailed, errs.CodeOf(got))
}

func TestSeededOutcomesAreDeterministic(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := async.NewPool(1, 1, async.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Shutdown(context.Background())) }()

	draw := func() []bool {
		sdk, err := New(Options{Name: "x", Profile: config.SimProfile{FillRate: 0.5}, Pool: pool, Seed: 42, Logger: quietLogger()})
		require.NoError(t, err)
		defer sdk.Close()
		out := make([]bool, 0, 16)
		for i := 0; i < 16; i++ {
			out = append(out, sdk.roll() < 0.5)
		}
		return out
	}
	require.Equal(t, draw(), draw())
}

func TestResolverBuildsIndependentSDKs(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool, err := async.NewPool(1, 1, async.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, pool.Shutdown(context.Background())) }()

	resolve, closeAll := Resolver(pool, 10, quietLogger())
	defer closeAll()
	a, err := resolve(config.NetworkSpec{Name: "a"})
	require.NoError(t, err)
	b, err := resolve(config.NetworkSpec{Name: "b"})
	require.NoError(t, err)
	require.NotSame(t, a, b)

	a.SetConsent(true)
	require.True(t, a.(*SDK).Consent())
	require.False(t, b.(*SDK).Consent())
}
