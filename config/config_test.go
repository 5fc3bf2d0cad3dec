package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(context.Background()); err != nil {
		t.Fatalf("expected default config to validate: %v", err)
	}
	if len(cfg.Networks) != 3 {
		t.Fatalf("expected three default networks, got %d", len(cfg.Networks))
	}
	admob, ok := cfg.Network("AdMob")
	if !ok {
		t.Fatalf("expected admob network")
	}
	admob.Units["banner"] = "mutated"
	if again, _ := cfg.Network("admob"); again.Units["banner"] == "mutated" {
		t.Fatalf("expected Network to return a clone")
	}
	if got := cfg.NetworkNames(); strings.Join(got, ",") != "admob,ironsource,unityads" {
		t.Fatalf("unexpected network names %v", got)
	}
}

func TestFromEnvOverridesValues(t *testing.T) {
	t.Setenv("WATERFALL_ENV", "STAGING")
	t.Setenv("WATERFALL_TICK", "5ms")
	t.Setenv("WATERFALL_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("WATERFALL_SERVICE_NAME", "mediator-test")
	t.Setenv("WATERFALL_PG_DSN", "postgres://u:p@db/events")
	t.Setenv("WATERFALL_IRONSOURCE_APP_KEY", "live-key")

	cfg := FromEnv()
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging environment, got %s", cfg.Environment)
	}
	if cfg.Tick != 5*time.Millisecond {
		t.Fatalf("expected tick override, got %s", cfg.Tick)
	}
	if cfg.Telemetry.OTLPEndpoint != "http://collector:4318" || cfg.Telemetry.ServiceName != "mediator-test" {
		t.Fatalf("expected telemetry overrides, got %+v", cfg.Telemetry)
	}
	if cfg.Sinks.Postgres.DSN != "postgres://u:p@db/events" {
		t.Fatalf("expected postgres dsn override")
	}
	iron, _ := cfg.Network("ironsource")
	if iron.AppKey != "live-key" {
		t.Fatalf("expected app key override, got %q", iron.AppKey)
	}
}

func TestApplyOptionsCloneAndMutate(t *testing.T) {
	base := Default()
	applied := Apply(base,
		WithEnvironment(EnvProd),
		WithTick(time.Millisecond),
		WithAppKey("UNITYADS", " k2 "),
		WithCap("interstitial", time.Minute, 2),
		WithTelemetry("https://otel:4318", "svc"),
		WithPostgresDSN("postgres://x"),
		WithoutNetwork("admob"),
		WithNetwork(NetworkSpec{Name: "house", Kind: "admob", Priority: 9, SDK: SDKSim}),
		nil,
	)

	if applied.Environment != EnvProd || applied.Tick != time.Millisecond {
		t.Fatalf("expected env and tick overrides")
	}
	if _, ok := applied.Network("admob"); ok {
		t.Fatalf("expected admob removed")
	}
	if _, ok := base.Network("admob"); !ok {
		t.Fatalf("expected base config untouched")
	}
	unity, _ := applied.Network("unityads")
	if unity.AppKey != "k2" {
		t.Fatalf("expected trimmed app key, got %q", unity.AppKey)
	}
	if !applied.Capping.Enabled || applied.Capping.Formats["interstitial"].Burst != 2 {
		t.Fatalf("expected capping rule, got %+v", applied.Capping)
	}
	if base.Capping.Enabled {
		t.Fatalf("expected base capping untouched")
	}
	house, ok := applied.Network("house")
	if !ok || house.Priority != 9 {
		t.Fatalf("expected house network appended")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waterfall.yaml")
	doc := `
environment: prod
tick: 10ms
networks:
  - name: admob
    kind: admob
    priority: 0
    sdk: sim
    units:
      interstitial: ca-app-pub-inter
      app_open: ca-app-pub-open
    retry:
      enabled: true
      initialInterval: 1s
      maxInterval: 30s
      multiplier: 2
    simProfile:
      latency: 20ms
      fillRate: 1
      rewardRate: 1
capping:
  enabled: true
  formats:
    rewarded_video:
      interval: 30s
      burst: 1
telemetry:
  serviceName: mediator
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tick != 10*time.Millisecond {
		t.Fatalf("expected tick 10ms, got %s", cfg.Tick)
	}
	if len(cfg.Networks) != 1 {
		t.Fatalf("expected networks replaced, got %d", len(cfg.Networks))
	}
	n := cfg.Networks[0]
	if n.Units["app_open"] != "ca-app-pub-open" || n.Retry.MaxInterval != 30*time.Second {
		t.Fatalf("unexpected network %+v", n)
	}
	if cfg.Capping.Formats["rewarded_video"].Interval != 30*time.Second {
		t.Fatalf("expected capping interval")
	}
	if cfg.Sim.Workers != 4 {
		t.Fatalf("expected sim defaults to survive partial documents, got %d", cfg.Sim.Workers)
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults, got %v", err)
	}
	if len(cfg.Networks) != 3 {
		t.Fatalf("expected default networks")
	}

	if _, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected Load to fail for a missing file")
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := map[string]Option{
		"tick": func(c *AppConfig) { c.Tick = 0 },
		"env":  func(c *AppConfig) { c.Environment = "qa" },
		"duplicate": func(c *AppConfig) {
			c.Networks = append(c.Networks, NetworkSpec{Name: "ADMOB", Kind: "admob"})
		},
		"kind":      func(c *AppConfig) { c.Networks[0].Kind = "" },
		"unit":      func(c *AppConfig) { c.Networks[0].Units["native"] = "x" },
		"retry":     func(c *AppConfig) { c.Networks[0].Retry.Multiplier = 0.5 },
		"rate":      func(c *AppConfig) { c.Networks[0].Sim.FillRate = 1.5 },
		"cap":       WithCap("banner", 0, 1),
		"capFormat": WithCap("native", time.Second, 1),
		"postgres": func(c *AppConfig) {
			c.Sinks.Postgres.DSN = "postgres://x"
			c.Sinks.Postgres.BatchSize = 0
		},
		"workers": func(c *AppConfig) { c.Sim.Workers = 0 },
	}
	for name, opt := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Apply(Default(), opt)
			if err := cfg.Validate(context.Background()); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), "mediator.example.yaml")
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if got := strings.Join(cfg.NetworkNames(), ","); got != "admob,ironsource,unityads" {
		t.Fatalf("unexpected networks %s", got)
	}
	if !cfg.Capping.Enabled || cfg.Capping.Formats["interstitial"].Interval != 30*time.Second {
		t.Fatalf("expected interstitial cap, got %+v", cfg.Capping)
	}
	if cfg.Sinks.PrometheusAddr != ":9464" || !cfg.Sinks.Prometheus {
		t.Fatalf("expected prometheus endpoint, got %+v", cfg.Sinks)
	}
	unity, _ := cfg.Network("unityads")
	if unity.Retry.Enabled {
		t.Fatalf("expected unity retry disabled")
	}
	if cfg.Sim.Seed != 42 {
		t.Fatalf("expected seed 42, got %d", cfg.Sim.Seed)
	}
}
