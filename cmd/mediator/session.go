package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/waterfall/errs"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/deferred"
)

// waterfall is the slice of the coordinator the scripted session drives.
type waterfall interface {
	ShowBanner(placement string)
	HideBanner(placement string)
	ShowInterstitial(placement string, onSuccess func(), onFail func(error))
	ShowRewardedVideo(placement string, onSuccess func(), onFail func(error))
	ShowAppOpen(placement string, onSuccess func(), onFail func(error))
}

type scriptStep struct {
	format    ads.Format
	placement string
	hide      bool
}

var defaultScript = []scriptStep{
	{format: ads.FormatAppOpen, placement: "cold_start"},
	{format: ads.FormatBanner, placement: "main_menu"},
	{format: ads.FormatInterstitial, placement: "level_end"},
	{format: ads.FormatRewardedVideo, placement: "double_coins"},
	{format: ads.FormatBanner, placement: "main_menu", hide: true},
	{format: ads.FormatInterstitial, placement: "level_end"},
	{format: ads.FormatAppOpen, placement: "resume"},
	{format: ads.FormatRewardedVideo, placement: "extra_life"},
}

type outcomes struct {
	requested int
	succeeded int
	failed    map[errs.Code]int
}

// driver replays the script on the owning context and tallies outcomes.
type driver struct {
	target waterfall
	logger *log.Logger
	script []scriptStep
	next   int
	tally  map[ads.Format]*outcomes
}

func newDriver(target waterfall, logger *log.Logger) *driver {
	return &driver{
		target: target,
		logger: logger,
		script: defaultScript,
		next:   0,
		tally:  make(map[ads.Format]*outcomes),
	}
}

// run enqueues one step per interval until ctx is cancelled.
func (d *driver) run(ctx context.Context, queue *deferred.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = defaultStepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue.Enqueue(d.step)
		}
	}
}

func (d *driver) step() {
	if len(d.script) == 0 {
		return
	}
	st := d.script[d.next%len(d.script)]
	d.next++
	if st.hide {
		d.logger.Printf("hide banner at %s", st.placement)
		d.target.HideBanner(st.placement)
		return
	}

	o := d.outcome(st.format)
	o.requested++
	onSuccess := func() {
		o.succeeded++
		d.logger.Printf("%s at %s: shown", st.format, st.placement)
	}
	onFail := func(err error) {
		code := errs.CodeOf(err)
		if code == "" {
			code = errs.CodeProviderFault
		}
		o.failed[code]++
		d.logger.Printf("%s at %s: %v", st.format, st.placement, err)
	}

	switch st.format {
	case ads.FormatBanner:
		d.target.ShowBanner(st.placement)
	case ads.FormatInterstitial:
		d.target.ShowInterstitial(st.placement, onSuccess, onFail)
	case ads.FormatRewardedVideo:
		d.target.ShowRewardedVideo(st.placement, onSuccess, onFail)
	case ads.FormatAppOpen:
		d.target.ShowAppOpen(st.placement, onSuccess, onFail)
	}
}

func (d *driver) outcome(format ads.Format) *outcomes {
	o, ok := d.tally[format]
	if !ok {
		o = &outcomes{failed: make(map[errs.Code]int)}
		d.tally[format] = o
	}
	return o
}

func (d *driver) report() {
	for _, format := range ads.Formats {
		o, ok := d.tally[format]
		if !ok {
			continue
		}
		d.logger.Printf("summary %s: requested=%d succeeded=%d failed=[%s]", format, o.requested, o.succeeded, o.failures())
	}
}

func (o *outcomes) failures() string {
	parts := make([]string, 0, len(o.failed))
	for code, n := range o.failed {
		parts = append(parts, fmt.Sprintf("%s=%d", code, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
