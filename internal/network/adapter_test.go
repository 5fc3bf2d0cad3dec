package network

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/waterfall/errs"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/deferred"
)

type fakeAd struct {
	ready      bool
	panicShow  bool
	shows      []string
	hidden     int
	destroyed  int
	lastPlaced string
}

func (f *fakeAd) Ready() bool { return f.ready }

func (f *fakeAd) Show(token, placement string) {
	if f.panicShow {
		panic("native crash")
	}
	f.shows = append(f.shows, token)
	f.lastPlaced = placement
}

func (f *fakeAd) Hide()    { f.hidden++ }
func (f *fakeAd) Destroy() { f.destroyed++ }

type pendingLoad struct {
	format ads.Format
	unit   string
	done   func(Ad, error)
}

type fakeSDK struct {
	initCalls int
	initDone  func(error)
	consent   []bool
	loads     []pendingLoad
	handler   func(ShowEvent)
}

func (f *fakeSDK) Init(_ string, done func(error)) {
	f.initCalls++
	f.initDone = done
}

func (f *fakeSDK) SetConsent(granted bool) { f.consent = append(f.consent, granted) }

func (f *fakeSDK) Load(format ads.Format, unitID string, done func(Ad, error)) {
	f.loads = append(f.loads, pendingLoad{format: format, unit: unitID, done: done})
}

func (f *fakeSDK) SetShowHandler(handler func(ShowEvent)) { f.handler = handler }

func (f *fakeSDK) loadsFor(format ads.Format) []pendingLoad {
	var out []pendingLoad
	for _, l := range f.loads {
		if l.format == format {
			out = append(out, l)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	sdk     *fakeSDK
	queue   *deferred.Queue
	adapter *Adapter
	now     time.Time
	notes   []ads.Notification
	logs    *bytes.Buffer
	timers  []func()
}

func newHarness(t *testing.T, profile Profile, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		sdk:   &fakeSDK{},
		queue: deferred.NewQueue(),
		now:   time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		logs:  &bytes.Buffer{},
	}
	opts := Options{
		Name:     profile.Kind,
		Priority: 1,
		Profile:  profile,
		AppKey:   "app-key",
		Units: map[ads.Format]string{
			ads.FormatBanner:        "banner-unit",
			ads.FormatInterstitial:  "inter-unit",
			ads.FormatRewardedVideo: "rewarded-unit",
			ads.FormatAppOpen:       "appopen-unit",
		},
		SDK:    h.sdk,
		Queue:  h.queue,
		Logger: log.New(h.logs, "", 0),
		Clock:  func() time.Time { return h.now },
		After:  func(_ time.Duration, f func()) { h.timers = append(h.timers, f) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	adapter, err := NewAdapter(opts)
	require.NoError(t, err)
	adapter.Subscribe(func(n ads.Notification) { h.notes = append(h.notes, n) })
	h.adapter = adapter
	return h
}

func (h *harness) initialize() {
	h.t.Helper()
	var initErr error
	called := 0
	require.NoError(h.t, h.adapter.Initialize(func(err error) {
		called++
		initErr = err
	}))
	h.sdk.initDone(nil)
	h.queue.Drain()
	require.Equal(h.t, 1, called)
	require.NoError(h.t, initErr)
}

func (h *harness) completeLoad(l pendingLoad, ad Ad, err error) {
	l.done(ad, err)
	h.queue.Drain()
}

func (h *harness) emit(ev ShowEvent) {
	h.sdk.handler(ev)
	h.queue.Drain()
}

func (h *harness) loadReady(format ads.Format) *fakeAd {
	h.t.Helper()
	require.NoError(h.t, h.adapter.Request(format))
	loads := h.sdk.loadsFor(format)
	require.NotEmpty(h.t, loads)
	ad := &fakeAd{ready: true}
	h.completeLoad(loads[len(loads)-1], ad, nil)
	require.True(h.t, h.adapter.IsAvailable(format))
	return ad
}

type outcome struct {
	success int
	fails   []error
}

func (o *outcome) callbacks() ads.ShowCallbacks {
	return ads.ShowCallbacks{
		OnSuccess: func() { o.success++ },
		OnFail:    func(err error) { o.fails = append(o.fails, err) },
	}
}

func (o *outcome) total() int { return o.success + len(o.fails) }

func TestInitializeIsIdempotent(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	first, inFlight := 0, 0
	require.NoError(t, h.adapter.Initialize(func(error) { first++ }))
	require.NoError(t, h.adapter.Initialize(func(error) { inFlight++ }))
	require.Equal(t, 1, h.sdk.initCalls)

	h.sdk.initDone(nil)
	require.Equal(t, 0, first+inFlight, "completion must wait for the owning context")
	h.queue.Drain()
	require.Equal(t, 1, first)
	require.Equal(t, 1, inFlight, "a caller joining mid-init is completed too")
	require.True(t, h.adapter.Initialized())

	late := 0
	require.NoError(t, h.adapter.Initialize(func(err error) {
		require.NoError(t, err)
		late++
	}))
	require.Equal(t, 0, late)
	h.queue.Drain()
	require.Equal(t, 1, late)
	require.Equal(t, 1, first)
	require.Equal(t, 1, h.sdk.initCalls)
}

func TestInitializeAfterFailureReportsSameError(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	require.NoError(t, h.adapter.Initialize(nil))
	h.sdk.initDone(errors.New("no network"))
	h.queue.Drain()

	var got error
	require.NoError(t, h.adapter.Initialize(func(err error) { got = err }))
	h.queue.Drain()
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(got))
	require.Equal(t, 1, h.sdk.initCalls)
}

func TestInitializeWithoutRequiredAppKey(t *testing.T) {
	h := newHarness(t, IronSource, func(o *Options) { o.AppKey = "" })
	calls := 0
	require.NoError(t, h.adapter.Initialize(func(err error) {
		calls++
		require.NoError(t, err)
	}))
	require.Equal(t, 0, h.sdk.initCalls)
	h.queue.Drain()
	require.Equal(t, 1, calls)

	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.Empty(t, h.sdk.loads)
	require.False(t, h.adapter.IsAvailable(ads.FormatInterstitial))
}

func TestInitializeFailureIsTerminal(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	var got error
	require.NoError(t, h.adapter.Initialize(func(err error) { got = err }))
	h.sdk.initDone(errors.New("no network"))
	h.queue.Drain()
	require.Error(t, got)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(got))
	require.Equal(t, got, h.adapter.InitErr())

	require.NoError(t, h.adapter.Request(ads.FormatBanner))
	require.Empty(t, h.sdk.loads)
}

func TestSetConsentForwards(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.adapter.SetConsent(true)
	h.initialize()
	h.adapter.SetConsent(false)
	require.Equal(t, []bool{true, false}, h.sdk.consent)
}

func TestRequestSkipsWhenLoadingOrReady(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()

	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 1)
	require.Equal(t, HandleLoading, h.adapter.HandleState(ads.FormatInterstitial))

	h.completeLoad(h.sdk.loads[0], &fakeAd{ready: true}, nil)
	require.Equal(t, HandleReady, h.adapter.HandleState(ads.FormatInterstitial))
	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 1)

	require.Len(t, h.notes, 1)
	require.Equal(t, ads.NotificationLoaded, h.notes[0].Kind)
	require.Equal(t, "inter-unit", h.sdk.loads[0].unit)
}

func TestUnsupportedFormatIsNoop(t *testing.T) {
	h := newHarness(t, IronSource, nil)
	h.initialize()
	require.NoError(t, h.adapter.Request(ads.FormatAppOpen))
	require.Empty(t, h.sdk.loads)
	require.False(t, h.adapter.IsAvailable(ads.FormatAppOpen))

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatAppOpen, "launch", out.callbacks()))
	require.Len(t, out.fails, 1)
	require.Equal(t, errs.CodeUnsupported, errs.CodeOf(out.fails[0]))
}

func TestMissingUnitIsNoop(t *testing.T) {
	h := newHarness(t, AdMob, func(o *Options) { delete(o.Units, ads.FormatRewardedVideo) })
	h.initialize()
	require.NoError(t, h.adapter.Request(ads.FormatRewardedVideo))
	require.Empty(t, h.sdk.loads)
}

func TestLoadFailureNotifiesAndRetries(t *testing.T) {
	h := newHarness(t, AdMob, func(o *Options) {
		o.Retry = RetryPolicy{Enabled: true, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2, MaxAttempts: 2}
	})
	h.initialize()

	require.NoError(t, h.adapter.Request(ads.FormatRewardedVideo))
	h.completeLoad(h.sdk.loads[0], nil, errors.New("no fill"))
	require.Equal(t, HandleAbsent, h.adapter.HandleState(ads.FormatRewardedVideo))
	require.Len(t, h.notes, 1)
	require.Equal(t, ads.NotificationLoadFailed, h.notes[0].Kind)
	require.Equal(t, errs.CodeLoadFailed, errs.CodeOf(h.notes[0].Err))
	require.Len(t, h.timers, 1)

	h.timers[0]()
	require.Len(t, h.sdk.loads, 1, "retry must wait for the owning context")
	h.queue.Drain()
	require.Len(t, h.sdk.loadsFor(ads.FormatRewardedVideo), 2)

	h.completeLoad(h.sdk.loads[1], nil, errors.New("no fill"))
	require.Len(t, h.timers, 2)
	h.timers[1]()
	h.queue.Drain()
	h.completeLoad(h.sdk.loads[2], nil, errors.New("no fill"))
	require.Len(t, h.timers, 2, "retries stop after max attempts")
}

func TestStaleLoadResultIsDiscarded(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()

	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	stale := h.sdk.loads[0]
	h.adapter.Destroy()

	ad := &fakeAd{ready: true}
	h.completeLoad(stale, ad, nil)
	require.Equal(t, 1, ad.destroyed)
	require.False(t, h.adapter.IsAvailable(ads.FormatInterstitial))
	require.Empty(t, h.notes)

	err := h.adapter.Request(ads.FormatInterstitial)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestInterstitialShowReloadsExactlyOnce(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatInterstitial, "level_end", out.callbacks()))
	require.False(t, h.adapter.IsAvailable(ads.FormatInterstitial))
	require.Len(t, ad.shows, 1)
	require.Equal(t, "level_end", ad.lastPlaced)

	token := ad.shows[0]
	h.emit(ShowEvent{Token: token, Format: ads.FormatInterstitial, Kind: ShowDisplayed})
	require.Equal(t, 0, out.total())
	h.emit(ShowEvent{Token: token, Format: ads.FormatInterstitial, Kind: ShowClosed})
	require.Equal(t, 1, out.success)
	require.Equal(t, 1, ad.destroyed)
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)

	// late duplicate from the native side
	h.emit(ShowEvent{Token: token, Format: ads.FormatInterstitial, Kind: ShowClosed})
	require.Equal(t, 1, out.total())
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)
}

func TestInterstitialDisplayFailure(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatInterstitial, "p", out.callbacks()))
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowDisplayFailed, Err: errors.New("activity gone")})
	require.Len(t, out.fails, 1)
	require.Equal(t, errs.CodeDisplayFailed, errs.CodeOf(out.fails[0]))
	require.Equal(t, 0, out.success)
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)
}

func TestRewardedRequiresRewardBeforeClose(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()

	ad := h.loadReady(ads.FormatRewardedVideo)
	var rewarded outcome
	require.NoError(t, h.adapter.Show(ads.FormatRewardedVideo, "shop", rewarded.callbacks()))
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowDisplayed})
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowRewarded})
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowClosed})
	require.Equal(t, 1, rewarded.success)
	require.Empty(t, rewarded.fails)

	loads := h.sdk.loadsFor(ads.FormatRewardedVideo)
	second := &fakeAd{ready: true}
	h.completeLoad(loads[len(loads)-1], second, nil)

	var skipped outcome
	require.NoError(t, h.adapter.Show(ads.FormatRewardedVideo, "shop", skipped.callbacks()))
	h.emit(ShowEvent{Token: second.shows[0], Kind: ShowDisplayed})
	h.emit(ShowEvent{Token: second.shows[0], Kind: ShowClosed})
	require.Equal(t, 0, skipped.success)
	require.Len(t, skipped.fails, 1)
	require.Equal(t, errs.CodeNotRewarded, errs.CodeOf(skipped.fails[0]))
}

func TestAppOpenFreshness(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	h.loadReady(ads.FormatAppOpen)
	loadedAt := h.now

	h.now = loadedAt.Add(3*time.Hour + 59*time.Minute)
	require.True(t, h.adapter.IsAvailable(ads.FormatAppOpen))

	h.now = loadedAt.Add(4 * time.Hour)
	require.False(t, h.adapter.IsAvailable(ads.FormatAppOpen))

	h.now = loadedAt.Add(4*time.Hour + time.Minute)
	require.False(t, h.adapter.IsAvailable(ads.FormatAppOpen))

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatAppOpen, "resume", out.callbacks()))
	require.Len(t, out.fails, 1)
	require.Equal(t, errs.CodeNotReady, errs.CodeOf(out.fails[0]))
}

func TestExpiredAppOpenIsReloaded(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	stale := h.loadReady(ads.FormatAppOpen)
	loadedAt := h.now

	h.now = loadedAt.Add(3 * time.Hour)
	require.NoError(t, h.adapter.Request(ads.FormatAppOpen))
	require.Len(t, h.sdk.loadsFor(ads.FormatAppOpen), 1, "a fresh ad is kept")

	h.now = loadedAt.Add(4*time.Hour + time.Minute)
	require.NoError(t, h.adapter.Request(ads.FormatAppOpen))
	loads := h.sdk.loadsFor(ads.FormatAppOpen)
	require.Len(t, loads, 2)
	require.Equal(t, 1, stale.destroyed)
	require.Equal(t, HandleLoading, h.adapter.HandleState(ads.FormatAppOpen))

	fresh := &fakeAd{ready: true}
	h.completeLoad(loads[1], fresh, nil)
	require.True(t, h.adapter.IsAvailable(ads.FormatAppOpen))

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatAppOpen, "resume", out.callbacks()))
	require.Len(t, fresh.shows, 1)
}

func TestAdNoLongerReadyIsReloaded(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)

	ad.ready = false
	require.False(t, h.adapter.IsAvailable(ads.FormatInterstitial))
	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)
	require.Equal(t, 1, ad.destroyed)

	h.completeLoad(h.sdk.loads[1], &fakeAd{ready: true}, nil)
	require.True(t, h.adapter.IsAvailable(ads.FormatInterstitial))

	// a showable ad is kept
	require.NoError(t, h.adapter.Request(ads.FormatInterstitial))
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)
}

func TestShowPanicDropsLateEvents(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)
	ad.panicShow = true

	var out outcome
	err := h.adapter.Show(ads.FormatInterstitial, "p", out.callbacks())
	require.Error(t, err)
	require.Equal(t, errs.CodeProviderFault, errs.CodeOf(err))
	require.Equal(t, 0, out.total())
	require.Equal(t, 1, ad.destroyed)
	require.Len(t, h.sdk.loadsFor(ads.FormatInterstitial), 2)

	h.emit(ShowEvent{Token: "whatever", Kind: ShowClosed})
	require.Equal(t, 0, out.total())
	require.Contains(t, h.logs.String(), "unknown show token")
}

func TestShowWhenNothingReady(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatInterstitial, "p", out.callbacks()))
	require.Len(t, out.fails, 1)
	require.Equal(t, errs.CodeNotReady, errs.CodeOf(out.fails[0]))
	require.Empty(t, h.sdk.loads)
}

func TestPaidEventNotifiesListeners(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)
	h.notes = nil

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatInterstitial, "menu", out.callbacks()))
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowPaid, Revenue: decimal.RequireFromString("0.0125"), Currency: "USD", Precision: "estimated"})
	require.Len(t, h.notes, 1)
	paid := h.notes[0].Paid
	require.NotNil(t, paid)
	require.Equal(t, "menu", paid.Placement)
	require.True(t, paid.Revenue.Equal(decimal.RequireFromString("0.0125")))
	require.Equal(t, "USD", paid.Currency)
}

func TestBannerNotificationsAreSuppressed(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	h.loadReady(ads.FormatBanner)
	require.Empty(t, h.notes)
}

func TestBannerShowWhileLoading(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	require.NoError(t, h.adapter.Request(ads.FormatBanner))
	require.True(t, h.adapter.IsAvailable(ads.FormatBanner))

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatBanner, "bottom", out.callbacks()))
	require.Equal(t, 0, out.total())

	ad := &fakeAd{ready: true}
	h.completeLoad(h.sdk.loads[0], ad, nil)
	require.Len(t, ad.shows, 1)
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowDisplayed})
	require.Equal(t, 1, out.success)
	require.True(t, h.adapter.IsAvailable(ads.FormatBanner), "banner persists after display")

	h.adapter.HideBanner("bottom")
	require.Equal(t, 1, ad.hidden)
}

func TestBannerUnavailableWhileLoadingForUnity(t *testing.T) {
	h := newHarness(t, UnityAds, nil)
	h.initialize()
	require.NoError(t, h.adapter.Request(ads.FormatBanner))
	require.False(t, h.adapter.IsAvailable(ads.FormatBanner))
}

func TestBannerDisplayFailureReloadsOnce(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatBanner)

	var out outcome
	require.NoError(t, h.adapter.Show(ads.FormatBanner, "top", out.callbacks()))
	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowDisplayFailed})
	require.Len(t, out.fails, 1)
	require.Equal(t, errs.CodeDisplayFailed, errs.CodeOf(out.fails[0]))
	require.Equal(t, 1, ad.destroyed)
	require.Len(t, h.sdk.loadsFor(ads.FormatBanner), 2)
	require.Equal(t, HandleLoading, h.adapter.HandleState(ads.FormatBanner))
}

func TestDestroyFailsPendingShows(t *testing.T) {
	h := newHarness(t, AdMob, nil)
	h.initialize()
	ad := h.loadReady(ads.FormatInterstitial)
	require.NoError(t, h.adapter.Request(ads.FormatBanner))

	var inter, banner outcome
	require.NoError(t, h.adapter.Show(ads.FormatInterstitial, "p", inter.callbacks()))
	require.NoError(t, h.adapter.Show(ads.FormatBanner, "bottom", banner.callbacks()))
	require.Equal(t, 0, inter.total()+banner.total())

	h.adapter.Destroy()
	h.adapter.Destroy()
	require.Equal(t, 1, ad.destroyed)
	require.Len(t, inter.fails, 1)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(inter.fails[0]))
	require.Len(t, banner.fails, 1)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(banner.fails[0]))

	h.emit(ShowEvent{Token: ad.shows[0], Kind: ShowClosed})
	require.Equal(t, 1, inter.total())
	require.Equal(t, 0, inter.success)
}

func TestNewAdapterValidation(t *testing.T) {
	_, err := NewAdapter(Options{Name: "x", Queue: deferred.NewQueue()})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = NewAdapter(Options{Name: "x", SDK: &fakeSDK{}})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	a, err := NewAdapter(Options{Profile: UnityAds, SDK: &fakeSDK{}, Queue: deferred.NewQueue()})
	require.NoError(t, err)
	require.Equal(t, "unityads", a.Name())
}
