// Package mediation runs the ad waterfall across prioritized providers.
package mediation

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/coachpo/waterfall/errs"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/sink"
)

// State is the coordinator lifecycle state.
type State string

const (
	// StateUnconfigured means no providers were registered yet.
	StateUnconfigured State = "unconfigured"
	// StateConfigured means providers are registered but not initialized.
	StateConfigured State = "configured"
	// StateInitializing means provider initialization is in flight.
	StateInitializing State = "initializing"
	// StateReady means every provider reported initialization completion.
	StateReady State = "ready"
)

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry sets the sink receiving waterfall telemetry.
func WithTelemetry(s sink.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.telemetry = s
		}
	}
}

// WithAnalytics sets the sink receiving load and show analytics events.
func WithAnalytics(s sink.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.analytics = s
		}
	}
}

// WithAttribution sets the sink receiving attribution events.
func WithAttribution(s sink.Sink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.attribution = s
		}
	}
}

// WithCapper enables frequency capping.
func WithCapper(capper *Capper) Option {
	return func(c *Coordinator) {
		c.capper = capper
	}
}

// WithTracer records one span per show request.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithOnReady registers a hook invoked once when every provider finished initializing.
func WithOnReady(fn func()) Option {
	return func(c *Coordinator) {
		c.onReady = fn
	}
}

// Coordinator owns the ordered providers. Every method must be called from the owning
// context, the same one that drains the deferred queue.
type Coordinator struct {
	logger      *log.Logger
	telemetry   sink.Sink
	analytics   sink.Sink
	attribution sink.Sink
	capper      *Capper
	tracer      trace.Tracer
	onReady     func()

	providers []ads.Provider
	state     State
	pending   int
	closed    bool
}

// New constructs a coordinator in the unconfigured state.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:      log.New(os.Stdout, "mediation ", log.LstdFlags|log.Lmicroseconds),
		telemetry:   sink.Nop{},
		analytics:   sink.Nop{},
		attribution: sink.Nop{},
		capper:      nil,
		tracer:      nooptrace.NewTracerProvider().Tracer("mediation"),
		onReady:     nil,
		providers:   nil,
		state:       StateUnconfigured,
		pending:     0,
		closed:      false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetAds registers providers ordered by ascending priority; ties keep registration
// order. It is rejected once initialization started.
func (c *Coordinator) SetAds(providers ...ads.Provider) error {
	if c.state == StateInitializing || c.state == StateReady {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("providers cannot change after Initialize"))
	}
	kept := make([]ads.Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority() < kept[j].Priority() })
	c.providers = kept
	c.state = StateConfigured
	return nil
}

// Providers returns the providers in waterfall order.
func (c *Coordinator) Providers() []ads.Provider {
	out := make([]ads.Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// State reports the lifecycle state.
func (c *Coordinator) State() State { return c.state }

// CheckInitialized reports whether Initialize was called and at least one provider is
// registered. It does not wait for SDK readiness.
func (c *Coordinator) CheckInitialized() bool {
	return (c.state == StateInitializing || c.state == StateReady) && len(c.providers) > 0
}

// Initialize subscribes to and initializes every provider in priority order. A
// provider that fails synchronously is logged and counted as completed.
func (c *Coordinator) Initialize() {
	if c.state == StateInitializing || c.state == StateReady {
		c.logger.Printf("already initialized")
		return
	}
	c.state = StateInitializing
	c.pending = len(c.providers)
	if c.pending == 0 {
		c.markReady()
		return
	}
	for _, p := range c.providers {
		c.subscribe(p)
		done := c.completion(p)
		if err := c.guard(p, "initialize", func() error { return p.Initialize(done) }); err != nil {
			done(err)
		}
	}
	c.logger.Printf("initialize called for %d networks", len(c.providers))
}

func (c *Coordinator) completion(p ads.Provider) func(error) {
	fired := false
	return func(err error) {
		if fired {
			return
		}
		fired = true
		if err != nil {
			c.logger.Printf("%s init completed with error: %v", p.Name(), err)
		} else {
			c.logger.Printf("%s init completed", p.Name())
		}
		c.pending--
		if c.pending == 0 && c.state == StateInitializing {
			c.markReady()
		}
	}
}

func (c *Coordinator) markReady() {
	c.state = StateReady
	c.logger.Printf("ready with %d networks", len(c.providers))
	if c.onReady != nil {
		c.onReady()
	}
}

func (c *Coordinator) subscribe(p ads.Provider) {
	err := c.guard(p, "subscribe", func() error {
		p.Subscribe(c.onNotification)
		return nil
	})
	if err != nil {
		c.logger.Printf("subscribe %s failed: %v", p.Name(), err)
	}
}

func (c *Coordinator) onNotification(n ads.Notification) {
	switch n.Kind {
	case ads.NotificationLoaded:
		if _, complete, _, ok := ads.LoadEvents(n.Format); ok {
			c.analytics.Log(complete, nil)
		}
	case ads.NotificationLoadFailed:
		if _, _, fail, ok := ads.LoadEvents(n.Format); ok {
			source := "unknown"
			if n.Err != nil {
				source = n.Err.Error()
			}
			c.analytics.Log(fail, map[string]string{ads.ParamSource: source})
		}
	case ads.NotificationPaid:
		if n.Paid == nil {
			return
		}
		attrs := map[string]string{
			ads.ParamPlatform:  n.Paid.Network,
			ads.ParamAdSource:  n.Paid.Network,
			ads.ParamAdFormat:  n.Paid.Format.String(),
			ads.ParamPlacement: n.Paid.Placement,
			ads.ParamValue:     n.Paid.Revenue.String(),
			ads.ParamCurrency:  n.Paid.Currency,
			ads.ParamPrecision: n.Paid.Precision,
		}
		c.analytics.Log(ads.EventAdImpression, attrs)
		c.attribution.Log(ads.EventAfAdRevenue, attrs)
	}
}

// SetAfterCheckGDPR forwards granted consent to every provider.
func (c *Coordinator) SetAfterCheckGDPR() {
	for _, p := range c.providers {
		err := c.guard(p, "set consent", func() error {
			p.SetConsent(true)
			return nil
		})
		if err != nil {
			c.logger.Printf("set consent on %s failed: %v", p.Name(), err)
		}
	}
}

// RequestAll requests every format on every provider. A fault aborts the remaining
// requests of that provider only.
func (c *Coordinator) RequestAll() {
	for _, p := range c.providers {
		err := c.guard(p, "request", func() error {
			if err := p.Request(ads.FormatBanner); err != nil {
				return err
			}
			c.analytics.Log(ads.EventInterStartLoad, nil)
			if err := p.Request(ads.FormatInterstitial); err != nil {
				return err
			}
			c.analytics.Log(ads.EventRewardStartLoad, nil)
			if err := p.Request(ads.FormatRewardedVideo); err != nil {
				return err
			}
			return p.Request(ads.FormatAppOpen)
		})
		if err != nil {
			c.logger.Printf("request all on %s failed: %v", p.Name(), err)
		}
	}
}

// ShowBanner shows the banner on the first provider with one available.
func (c *Coordinator) ShowBanner(placement string) {
	attrs := telemetryAttrs(ads.FormatBanner, placement, "")
	span := c.startShow(ads.FormatBanner, placement)
	defer span.End()
	c.telemetry.Log(ads.EventAdsRequest, attrs)
	p := c.selectProvider(ads.FormatBanner)
	if p == nil {
		c.logger.Printf("show banner: no network available")
		c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(ads.FormatBanner, placement, string(errs.CodeNoFill)))
		span.SetStatus(codes.Error, string(errs.CodeNoFill))
		return
	}
	span.SetAttributes(attribute.String(ads.ParamPlatform, p.Name()))
	c.telemetry.Log(ads.EventAdsAvailable, attrs)
	err := c.guard(p, "show banner", func() error {
		return p.Show(ads.FormatBanner, placement, ads.ShowCallbacks{})
	})
	if err != nil {
		c.logger.Printf("show banner on %s: %v", p.Name(), err)
		c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(ads.FormatBanner, placement, string(errs.CodeProviderFault)))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeProviderFault))
		return
	}
	c.telemetry.Log(ads.EventAdsShowSuccess, attrs)
}

// HideBanner hides the banner on the first provider with one available.
func (c *Coordinator) HideBanner(placement string) {
	p := c.selectProvider(ads.FormatBanner)
	if p == nil {
		return
	}
	err := c.guard(p, "hide banner", func() error {
		p.HideBanner(placement)
		return nil
	})
	if err != nil {
		c.logger.Printf("hide banner on %s: %v", p.Name(), err)
	}
}

// ShowInterstitial runs the waterfall for an interstitial.
func (c *Coordinator) ShowInterstitial(placement string, onSuccess func(), onFail func(error)) {
	c.showFullscreen(ads.FormatInterstitial, placement, onSuccess, onFail)
}

// ShowRewardedVideo runs the waterfall for a rewarded video. onSuccess means the
// reward was earned.
func (c *Coordinator) ShowRewardedVideo(placement string, onSuccess func(), onFail func(error)) {
	c.showFullscreen(ads.FormatRewardedVideo, placement, onSuccess, onFail)
}

// ShowAppOpen runs the waterfall for an app-open ad.
func (c *Coordinator) ShowAppOpen(placement string, onSuccess func(), onFail func(error)) {
	c.showFullscreen(ads.FormatAppOpen, placement, onSuccess, onFail)
}

func (c *Coordinator) showFullscreen(format ads.Format, placement string, onSuccess func(), onFail func(error)) {
	caller := ads.ShowCallbacks{OnSuccess: onSuccess, OnFail: onFail}
	attrs := telemetryAttrs(format, placement, "")
	span := c.startShow(format, placement)
	c.telemetry.Log(ads.EventAdsRequest, attrs)

	p := c.selectProvider(format)
	if p == nil {
		c.logger.Printf("show %s: no network available", format)
		c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(format, placement, string(errs.CodeNoFill)))
		endShow(span, errs.New("", errs.CodeNoFill))
		caller.Fail(errs.New("", errs.CodeNoFill, errs.WithFormat(format.String()), errs.WithField("placement", placement)))
		return
	}
	span.SetAttributes(attribute.String(ads.ParamPlatform, p.Name()))
	if !c.capper.Allow(format) {
		c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(format, placement, string(errs.CodeCapped)))
		capped := errs.New(p.Name(), errs.CodeCapped, errs.WithFormat(format.String()), errs.WithField("placement", placement))
		endShow(span, capped)
		caller.Fail(capped)
		return
	}
	c.telemetry.Log(ads.EventAdsAvailable, attrs)

	showEvent, completeEvent, afShow, afDisplayed, tracked := ads.ShowEvents(format)
	if tracked {
		c.analytics.Log(showEvent, map[string]string{ads.ParamWhere: placement})
		c.attribution.Log(afShow, map[string]string{ads.ParamAfLevel: placement})
	}

	finished := false
	wrapped := ads.ShowCallbacks{
		OnSuccess: func() {
			if finished {
				return
			}
			finished = true
			endShow(span, nil)
			c.telemetry.Log(ads.EventAdsShowSuccess, attrs)
			if tracked {
				c.analytics.Log(completeEvent, map[string]string{ads.ParamWhere: placement})
				c.attribution.Log(afDisplayed, map[string]string{ads.ParamAfLevel: placement})
			}
			caller.Succeed()
		},
		OnFail: func(err error) {
			if finished {
				return
			}
			finished = true
			endShow(span, err)
			if format == ads.FormatAppOpen {
				c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(format, placement, string(errs.CodeOf(err))))
			}
			caller.Fail(err)
		},
	}

	err := c.guard(p, "show "+format.String(), func() error {
		return p.Show(format, placement, wrapped)
	})
	if err != nil {
		c.logger.Printf("show %s on %s: %v", format, p.Name(), err)
		if finished {
			return
		}
		finished = true
		endShow(span, err)
		c.telemetry.Log(ads.EventAdsShowFail, telemetryAttrs(format, placement, string(errs.CodeProviderFault)))
		caller.Fail(err)
	}
}

func (c *Coordinator) selectProvider(format ads.Format) ads.Provider {
	if c.closed {
		return nil
	}
	for _, p := range c.providers {
		available := false
		err := c.guard(p, "availability", func() error {
			available = p.IsAvailable(format)
			return nil
		})
		if err != nil {
			c.logger.Printf("availability of %s on %s: %v", format, p.Name(), err)
			continue
		}
		if available {
			return p
		}
	}
	return nil
}

// Close destroys every provider.
func (c *Coordinator) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, p := range c.providers {
		err := c.guard(p, "destroy", func() error {
			p.Destroy()
			return nil
		})
		if err != nil {
			c.logger.Printf("destroy %s: %v", p.Name(), err)
		}
	}
}

// guard runs fn, converting panics into provider fault errors and wrapping plain
// errors with the provider identity.
func (c *Coordinator) guard(p ads.Provider, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(p.Name(), errs.CodeProviderFault,
				errs.WithMessage(op+" panic"),
				errs.WithCause(fmt.Errorf("%v\n%s", r, debug.Stack())))
		}
	}()
	if err := fn(); err != nil {
		if errs.CodeOf(err) != "" {
			return err
		}
		return errs.New(p.Name(), errs.CodeProviderFault, errs.WithMessage(op+" failed"), errs.WithCause(err))
	}
	return nil
}

func (c *Coordinator) startShow(format ads.Format, placement string) trace.Span {
	_, span := c.tracer.Start(context.Background(), "waterfall.show "+format.String(),
		trace.WithAttributes(
			attribute.String(ads.ParamAdType, format.String()),
			attribute.String(ads.ParamPlacement, placement),
		))
	return span
}

// endShow closes a show span with the terminal outcome.
func endShow(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.CodeOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func telemetryAttrs(format ads.Format, placement, reason string) map[string]string {
	attrs := map[string]string{
		ads.ParamAdType:    format.String(),
		ads.ParamPlacement: placement,
	}
	if reason != "" {
		attrs[ads.ParamReason] = reason
	}
	return attrs
}
