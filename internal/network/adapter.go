package network

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/coachpo/waterfall/errs"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/deferred"
)

type initState uint8

const (
	initIdle initState = iota
	initPending
	initDone
)

// Options configures an adapter.
type Options struct {
	Name     string
	Priority int
	Profile  Profile
	AppKey   string
	Units    map[ads.Format]string
	SDK      SDK
	Queue    *deferred.Queue
	Logger   *log.Logger
	Clock    func() time.Time
	Retry    RetryPolicy
	// After schedules f after d on any goroutine; defaults to time.AfterFunc.
	After func(d time.Duration, f func())
}

// Adapter drives one native SDK through the provider contract. Every method and every
// SDK continuation runs on the owning context; SDK callbacks are re-routed through the
// deferred queue before touching state.
type Adapter struct {
	name     string
	priority int
	profile  Profile
	appKey   string
	units    map[ads.Format]string

	sdk    SDK
	queue  *deferred.Queue
	logger *log.Logger
	clock  func() time.Time
	after  func(time.Duration, func())
	retry  RetryPolicy

	init        initState
	initErr     error
	initWaiters []func(error)
	sdkReady  bool
	destroyed bool

	slots     map[ads.Format]*slot
	shows     map[string]*showRecord
	listeners []ads.Listener
}

type showRecord struct {
	token         string
	format        ads.Format
	placement     string
	cb            ads.ShowCallbacks
	ad            Ad
	rewardGranted bool
}

var _ ads.Provider = (*Adapter)(nil)

// NewAdapter constructs an adapter and registers its persistent show handler.
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.SDK == nil {
		return nil, errs.New(opts.Name, errs.CodeInvalid, errs.WithMessage("sdk required"))
	}
	if opts.Queue == nil {
		return nil, errs.New(opts.Name, errs.CodeInvalid, errs.WithMessage("deferred queue required"))
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = opts.Profile.Kind
	}
	if name == "" {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("adapter name required"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, name+" ", log.LstdFlags|log.Lmicroseconds)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	after := opts.After
	if after == nil {
		after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	units := make(map[ads.Format]string, len(opts.Units))
	for format, unit := range opts.Units {
		if trimmed := strings.TrimSpace(unit); trimmed != "" {
			units[format] = trimmed
		}
	}

	a := &Adapter{
		name:     name,
		priority: opts.Priority,
		profile:  opts.Profile,
		appKey:   strings.TrimSpace(opts.AppKey),
		units:    units,
		sdk:      opts.SDK,
		queue:    opts.Queue,
		logger:   logger,
		clock:    clock,
		after:    after,
		retry:    opts.Retry,
		slots:    make(map[ads.Format]*slot, len(ads.Formats)),
		shows:    make(map[string]*showRecord),
	}
	for _, format := range ads.Formats {
		if a.profile.Formats.Has(format) {
			a.slots[format] = newSlot(format)
		}
	}
	a.sdk.SetShowHandler(func(ev ShowEvent) {
		a.queue.Enqueue(func() { a.handleShowEvent(ev) })
	})
	return a, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Priority returns the waterfall ordering key; lower runs first.
func (a *Adapter) Priority() int { return a.priority }

// Kind returns the network profile kind.
func (a *Adapter) Kind() string { return a.profile.Kind }

// Initialized reports whether initialization completed, successfully or not.
func (a *Adapter) Initialized() bool { return a.init == initDone }

// InitErr returns the terminal initialization error, if any.
func (a *Adapter) InitErr() error { return a.initErr }

// Subscribe registers a notification listener.
func (a *Adapter) Subscribe(listener ads.Listener) {
	if listener != nil {
		a.listeners = append(a.listeners, listener)
	}
}

// Initialize starts SDK bring-up. done runs once, on the owning context. The SDK is
// started only by the first call; later callers are completed with the same outcome.
func (a *Adapter) Initialize(done func(error)) error {
	switch a.init {
	case initPending:
		a.logger.Printf("initialization already in flight")
		if done != nil {
			a.initWaiters = append(a.initWaiters, done)
		}
		return nil
	case initDone:
		a.logger.Printf("already initialized")
		if done != nil {
			initErr := a.initErr
			a.queue.Enqueue(func() { done(initErr) })
		}
		return nil
	}
	a.init = initPending
	if done != nil {
		a.initWaiters = append(a.initWaiters, done)
	}

	if a.appKey == "" && a.profile.RequiresAppKey {
		a.logger.Printf("app key not set, network disabled for this session")
		a.queue.Enqueue(func() { a.finishInit(nil, false) })
		return nil
	}
	a.sdk.Init(a.appKey, func(err error) {
		a.queue.Enqueue(func() { a.finishInit(err, err == nil) })
	})
	return nil
}

func (a *Adapter) finishInit(err error, ready bool) {
	a.init = initDone
	a.sdkReady = ready && !a.destroyed
	if err != nil {
		a.initErr = errs.New(a.name, errs.CodeUnavailable, errs.WithMessage("sdk init failed"), errs.WithCause(err))
		a.logger.Printf("init failed: %v", err)
	} else {
		a.logger.Printf("initialized")
	}
	waiters := a.initWaiters
	a.initWaiters = nil
	for _, done := range waiters {
		done(a.initErr)
	}
}

// SetConsent forwards the consent signal; valid before or after Initialize.
func (a *Adapter) SetConsent(granted bool) {
	a.sdk.SetConsent(granted)
	a.logger.Printf("consent forwarded: granted=%t", granted)
}

// HandleState reports the handle state for format.
func (a *Adapter) HandleState(format ads.Format) HandleState {
	s, ok := a.slots[format]
	if !ok {
		return HandleAbsent
	}
	return s.state
}

// Request starts a load for format unless one is loading or a showable ad is held. A
// held ad that went stale is discarded and reloaded. Unsupported or unconfigured formats
// are no-ops.
func (a *Adapter) Request(format ads.Format) error {
	if a.destroyed {
		return errs.New(a.name, errs.CodeUnavailable, errs.WithFormat(format.String()), errs.WithMessage("adapter destroyed"))
	}
	s, ok := a.slots[format]
	if !ok {
		return nil
	}
	unit, ok := a.units[format]
	if !ok {
		return nil
	}
	if !a.sdkReady {
		return nil
	}
	if s.state == HandleLoading {
		return nil
	}
	if s.state == HandleReady {
		if a.IsAvailable(format) {
			return nil
		}
		a.logger.Printf("%s held ad is stale, reloading", format)
	}
	a.load(s, unit)
	return nil
}

func (a *Adapter) load(s *slot, unit string) {
	s.discard()
	s.state = HandleLoading
	token := s.loadToken
	format := s.format
	a.sdk.Load(format, unit, func(ad Ad, err error) {
		a.queue.Enqueue(func() { a.finishLoad(format, token, ad, err) })
	})
}

func (a *Adapter) finishLoad(format ads.Format, token uint64, ad Ad, err error) {
	s := a.slots[format]
	if a.destroyed || s == nil || s.loadToken != token || s.state != HandleLoading {
		if ad != nil {
			ad.Destroy()
		}
		return
	}
	if err != nil || ad == nil {
		if err == nil {
			err = fmt.Errorf("sdk returned no ad")
		}
		s.state = HandleAbsent
		loadErr := errs.New(a.name, errs.CodeLoadFailed, errs.WithFormat(format.String()), errs.WithCause(err))
		a.notify(ads.Notification{Kind: ads.NotificationLoadFailed, Network: a.name, Format: format, Err: loadErr})
		if s.pendingBanner != nil {
			cb := *s.pendingBanner
			s.pendingBanner = nil
			cb.Fail(loadErr)
		}
		a.scheduleRetry(s)
		return
	}

	s.ad = ad
	s.state = HandleReady
	s.loadedAt = a.clock()
	s.attempts = 0
	if s.retry != nil {
		s.retry.Reset()
	}
	a.notify(ads.Notification{Kind: ads.NotificationLoaded, Network: a.name, Format: format})
	if format == ads.FormatBanner && s.visible {
		cb := ads.ShowCallbacks{}
		if s.pendingBanner != nil {
			cb = *s.pendingBanner
			s.pendingBanner = nil
		}
		a.showBanner(s, s.bannerPlacement, cb)
	}
}

func (a *Adapter) scheduleRetry(s *slot) {
	if !a.retry.Enabled {
		return
	}
	if a.retry.MaxAttempts > 0 && s.attempts >= a.retry.MaxAttempts {
		a.logger.Printf("%s load retries exhausted after %d attempts", s.format, s.attempts)
		return
	}
	if s.retry == nil {
		s.retry = a.retry.newBackOff()
	}
	delay := s.retry.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	s.attempts++
	format := s.format
	a.after(delay, func() {
		a.queue.Enqueue(func() {
			if err := a.Request(format); err != nil {
				a.logger.Printf("%s retry request: %v", format, err)
			}
		})
	})
}

// IsAvailable reports whether a show for format would be served right now.
func (a *Adapter) IsAvailable(format ads.Format) bool {
	s, ok := a.slots[format]
	if !ok || a.destroyed {
		return false
	}
	switch format {
	case ads.FormatBanner:
		if a.profile.BannerWhileLoading && s.state == HandleLoading {
			return true
		}
		return s.state == HandleReady && s.ad != nil
	case ads.FormatAppOpen:
		if s.state != HandleReady || s.ad == nil || !s.ad.Ready() {
			return false
		}
		return a.clock().Before(s.loadedAt.Add(a.profile.appOpenValidity()))
	default:
		return s.state == HandleReady && s.ad != nil && s.ad.Ready()
	}
}

// Show consumes the ready handle for format. When nothing is available OnFail runs
// immediately and nothing else changes.
func (a *Adapter) Show(format ads.Format, placement string, cb ads.ShowCallbacks) error {
	if !a.profile.Formats.Has(format) {
		cb.Fail(errs.Unsupported(a.name, format.String()))
		return nil
	}
	if !a.IsAvailable(format) {
		cb.Fail(errs.New(a.name, errs.CodeNotReady, errs.WithFormat(format.String())))
		return nil
	}
	s := a.slots[format]
	if format == ads.FormatBanner {
		s.visible = true
		s.bannerPlacement = placement
		if s.ad == nil {
			if s.pendingBanner != nil {
				s.pendingBanner.Fail(errs.New(a.name, errs.CodeNotReady, errs.WithFormat(format.String()), errs.WithMessage("superseded by a newer banner show")))
			}
			s.pendingBanner = &cb
			return nil
		}
		return a.showBanner(s, placement, cb)
	}

	ad := s.detach()
	rec := &showRecord{
		token:     uuid.NewString(),
		format:    format,
		placement: placement,
		cb:        cb,
		ad:        ad,
	}
	a.shows[rec.token] = rec
	if err := a.invokeShow(ad, rec.token, placement); err != nil {
		delete(a.shows, rec.token)
		ad.Destroy()
		if rerr := a.Request(format); rerr != nil {
			a.logger.Printf("%s reload after fault: %v", format, rerr)
		}
		return err
	}
	return nil
}

func (a *Adapter) showBanner(s *slot, placement string, cb ads.ShowCallbacks) error {
	rec := &showRecord{
		token:     uuid.NewString(),
		format:    ads.FormatBanner,
		placement: placement,
		cb:        cb,
		ad:        s.ad,
	}
	a.shows[rec.token] = rec
	if err := a.invokeShow(s.ad, rec.token, placement); err != nil {
		delete(a.shows, rec.token)
		a.reloadBanner(s)
		return err
	}
	return nil
}

func (a *Adapter) invokeShow(ad Ad, token, placement string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(a.name, errs.CodeProviderFault, errs.WithMessage("sdk show panic"), errs.WithCause(fmt.Errorf("%v", r)))
		}
	}()
	ad.Show(token, placement)
	return nil
}

// HideBanner hides the banner view if one exists.
func (a *Adapter) HideBanner(placement string) {
	s, ok := a.slots[ads.FormatBanner]
	if !ok {
		return
	}
	s.visible = false
	if s.pendingBanner != nil {
		cb := *s.pendingBanner
		s.pendingBanner = nil
		cb.Fail(errs.New(a.name, errs.CodeNotReady, errs.WithFormat(ads.AdTypeBanner), errs.WithMessage("hidden before load completed")))
	}
	if s.ad != nil {
		s.ad.Hide()
	}
}

func (a *Adapter) handleShowEvent(ev ShowEvent) {
	rec, ok := a.shows[ev.Token]
	if !ok {
		a.logger.Printf("dropping %s event for unknown show token %q", ev.Kind, ev.Token)
		return
	}
	switch ev.Kind {
	case ShowRewarded:
		rec.rewardGranted = true
	case ShowPaid:
		a.notify(ads.Notification{
			Kind:    ads.NotificationPaid,
			Network: a.name,
			Format:  rec.format,
			Paid: &ads.PaidEvent{
				Network:   a.name,
				Format:    rec.format,
				Placement: rec.placement,
				Revenue:   ev.Revenue,
				Currency:  ev.Currency,
				Precision: ev.Precision,
			},
		})
	case ShowDisplayed:
		if rec.format == ads.FormatBanner {
			delete(a.shows, rec.token)
			rec.cb.Succeed()
		}
	case ShowClosed:
		if rec.format != ads.FormatBanner {
			a.finishShow(rec, nil)
		}
	case ShowDisplayFailed:
		cause := ev.Err
		if cause == nil {
			cause = fmt.Errorf("display failed")
		}
		failure := errs.New(a.name, errs.CodeDisplayFailed, errs.WithFormat(rec.format.String()), errs.WithCause(cause))
		if rec.format == ads.FormatBanner {
			delete(a.shows, rec.token)
			if s := a.slots[ads.FormatBanner]; s != nil && s.ad == rec.ad {
				a.reloadBanner(s)
			}
			rec.cb.Fail(failure)
			return
		}
		a.finishShow(rec, failure)
	default:
		a.logger.Printf("ignoring unknown show event kind %q", ev.Kind)
	}
}

func (a *Adapter) finishShow(rec *showRecord, failure error) {
	delete(a.shows, rec.token)
	if rec.ad != nil {
		rec.ad.Destroy()
		rec.ad = nil
	}
	if failure == nil && rec.format == ads.FormatRewardedVideo && !rec.rewardGranted {
		failure = errs.New(a.name, errs.CodeNotRewarded, errs.WithFormat(rec.format.String()), errs.WithMessage("closed without reward"))
	}
	if failure != nil {
		rec.cb.Fail(failure)
	} else {
		rec.cb.Succeed()
	}
	if err := a.Request(rec.format); err != nil {
		a.logger.Printf("%s reload after show: %v", rec.format, err)
	}
}

func (a *Adapter) reloadBanner(s *slot) {
	s.discard()
	if err := a.Request(ads.FormatBanner); err != nil {
		a.logger.Printf("banner reload: %v", err)
	}
}

func (a *Adapter) notify(n ads.Notification) {
	if n.Kind != ads.NotificationPaid {
		if _, _, _, ok := ads.LoadEvents(n.Format); !ok {
			return
		}
	}
	for _, listener := range a.listeners {
		listener(n)
	}
}

// Destroy releases every handle. Shows still waiting for a terminal SDK event fail with
// CodeUnavailable; later SDK events for them are dropped.
func (a *Adapter) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.sdkReady = false
	var orphaned []ads.ShowCallbacks
	for _, s := range a.slots {
		if s.pendingBanner != nil {
			orphaned = append(orphaned, *s.pendingBanner)
			s.pendingBanner = nil
		}
		s.discard()
		s.visible = false
	}
	for token, rec := range a.shows {
		if rec.ad != nil && rec.format != ads.FormatBanner {
			rec.ad.Destroy()
		}
		delete(a.shows, token)
		orphaned = append(orphaned, rec.cb)
	}
	a.logger.Printf("destroyed, failing %d pending shows", len(orphaned))
	for _, cb := range orphaned {
		cb.Fail(errs.New(a.name, errs.CodeUnavailable, errs.WithMessage("adapter destroyed during show")))
	}
}
