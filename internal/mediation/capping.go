package mediation

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/waterfall/config"
	"github.com/coachpo/waterfall/internal/ads"
)

// Capper limits how often each fullscreen format may be shown.
type Capper struct {
	limiters map[ads.Format]*rate.Limiter
	clock    func() time.Time
}

// NewCapper builds token buckets from the capping configuration. A disabled
// configuration yields a nil Capper, which allows everything.
func NewCapper(cfg config.CappingConfig, clock func() time.Time) (*Capper, error) {
	if !cfg.Enabled || len(cfg.Formats) == 0 {
		return nil, nil
	}
	if clock == nil {
		clock = time.Now
	}
	c := &Capper{
		limiters: make(map[ads.Format]*rate.Limiter, len(cfg.Formats)),
		clock:    clock,
	}
	for key, rule := range cfg.Formats {
		format, err := ads.ParseFormat(key)
		if err != nil {
			return nil, fmt.Errorf("capping: %w", err)
		}
		if rule.Interval <= 0 {
			return nil, fmt.Errorf("capping %s: interval must be >0", key)
		}
		burst := rule.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiters[format] = rate.NewLimiter(rate.Every(rule.Interval), burst)
	}
	return c, nil
}

// Allow consumes one show token for format.
func (c *Capper) Allow(format ads.Format) bool {
	if c == nil {
		return true
	}
	l, ok := c.limiters[format]
	if !ok {
		return true
	}
	return l.AllowN(c.clock(), 1)
}
