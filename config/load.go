package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/waterfall/internal/ads"
)

// Load reads a YAML document over the defaults, applies environment overrides and
// validates the result. An empty path falls back to WATERFALL_CONFIG.
func Load(ctx context.Context, path string) (AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WATERFALL_CONFIG"))
	}
	if path == "" {
		return AppConfig{}, fmt.Errorf("config path required")
	}

	file, err := os.Open(filepath.Clean(path)) // #nosec G304 -- configuration paths are controlled by operators.
	if err != nil {
		return AppConfig{}, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = file.Close() }()

	cfg, err := Decode(file)
	if err != nil {
		return AppConfig{}, err
	}
	cfg = ApplyEnv(cfg)
	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the environment-adjusted defaults when
// no path is configured or the file does not exist.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("WATERFALL_CONFIG"))
	}
	if path != "" {
		cfg, err := Load(ctx, path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	cfg := FromEnv()
	if err := cfg.Validate(ctx); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Decode parses a YAML document over the defaults without validating it.
func Decode(r io.Reader) (AppConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate(ctx context.Context) error {
	_ = ctx
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be dev|staging|prod, got %q", c.Environment)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("tick must be >0")
	}

	seen := make(map[string]struct{}, len(c.Networks))
	for i, n := range c.Networks {
		name := normalizeName(n.Name)
		if name == "" {
			return fmt.Errorf("networks[%d]: name required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("networks[%d]: duplicate name %q", i, n.Name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(n.Kind) == "" {
			return fmt.Errorf("networks[%d]: kind required", i)
		}
		for key := range n.Units {
			if _, err := ads.ParseFormat(key); err != nil {
				return fmt.Errorf("networks[%d].units: %w", i, err)
			}
		}
		if err := n.Retry.validate(); err != nil {
			return fmt.Errorf("networks[%d].retry: %w", i, err)
		}
		if err := n.Sim.validate(); err != nil {
			return fmt.Errorf("networks[%d].simProfile: %w", i, err)
		}
	}

	for key, rule := range c.Capping.Formats {
		if _, err := ads.ParseFormat(key); err != nil {
			return fmt.Errorf("capping.formats: %w", err)
		}
		if rule.Interval <= 0 {
			return fmt.Errorf("capping.formats.%s: interval must be >0", key)
		}
		if rule.Burst < 0 {
			return fmt.Errorf("capping.formats.%s: burst must be >=0", key)
		}
	}

	if strings.TrimSpace(c.Sinks.Postgres.DSN) != "" {
		if c.Sinks.Postgres.BufferSize <= 0 {
			return fmt.Errorf("sinks.postgres.bufferSize must be >0")
		}
		if c.Sinks.Postgres.BatchSize <= 0 {
			return fmt.Errorf("sinks.postgres.batchSize must be >0")
		}
		if c.Sinks.Postgres.FlushInterval <= 0 {
			return fmt.Errorf("sinks.postgres.flushInterval must be >0")
		}
	}

	if c.Sim.Workers <= 0 {
		return fmt.Errorf("sim.workers must be >0")
	}
	if c.Sim.Queue < 0 {
		return fmt.Errorf("sim.queue must be >=0")
	}
	return nil
}

func (r RetryConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	if r.InitialInterval < 0 || r.MaxInterval < 0 {
		return fmt.Errorf("intervals must be >=0")
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		return fmt.Errorf("initialInterval must not exceed maxInterval")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >=1")
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor > 1 {
		return fmt.Errorf("randomizationFactor must be within [0,1]")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("maxAttempts must be >=0")
	}
	return nil
}

func (p SimProfile) validate() error {
	for name, rate := range map[string]float64{
		"fillRate":        p.FillRate,
		"displayFailRate": p.DisplayFailRate,
		"rewardRate":      p.RewardRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s must be within [0,1]", name)
		}
	}
	if p.Latency < 0 {
		return fmt.Errorf("latency must be >=0")
	}
	return nil
}
