// Package config centralises runtime configuration for the mediation host.
package config

import (
	"os"
	"sort"
	"strings"
	"time"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// SDKSim selects the built-in simulated SDK binding.
const SDKSim = "sim"

// DefaultTick is the default queue drain interval.
const DefaultTick = 16 * time.Millisecond

// AppConfig is the configuration tree loaded from YAML and environment overrides.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Tick        time.Duration   `yaml:"tick"`
	Networks    []NetworkSpec   `yaml:"networks"`
	Capping     CappingConfig   `yaml:"capping"`
	Sinks       SinkConfig      `yaml:"sinks"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Sim         SimConfig       `yaml:"sim"`
}

// NetworkSpec declares one ad network adapter.
type NetworkSpec struct {
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Priority int               `yaml:"priority"`
	AppKey   string            `yaml:"appKey"`
	SDK      string            `yaml:"sdk"`
	Units    map[string]string `yaml:"units"`
	Retry    RetryConfig       `yaml:"retry"`
	Sim      SimProfile        `yaml:"simProfile"`
}

// RetryConfig configures exponential reload after load failures.
type RetryConfig struct {
	Enabled             bool          `yaml:"enabled"`
	InitialInterval     time.Duration `yaml:"initialInterval"`
	MaxInterval         time.Duration `yaml:"maxInterval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomizationFactor"`
	MaxAttempts         int           `yaml:"maxAttempts"`
}

// CappingConfig declares per-format show frequency caps keyed by ad type.
type CappingConfig struct {
	Enabled bool               `yaml:"enabled"`
	Formats map[string]CapRule `yaml:"formats"`
}

// CapRule allows Burst shows and then one show per Interval.
type CapRule struct {
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
}

// SinkConfig selects event sink backends.
type SinkConfig struct {
	Log        bool   `yaml:"log"`
	JSONLPath  string `yaml:"jsonlPath"`
	Metrics    bool   `yaml:"metrics"`
	Prometheus bool   `yaml:"prometheus"`
	// PrometheusAddr serves /metrics when Prometheus is enabled and the address is set.
	PrometheusAddr string         `yaml:"prometheusAddr"`
	Postgres       PostgresConfig `yaml:"postgres"`
}

// PostgresConfig configures the buffered Postgres event store.
type PostgresConfig struct {
	DSN           string        `yaml:"dsn"`
	BufferSize    int           `yaml:"bufferSize"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	Migrate       bool          `yaml:"migrate"`
}

// TelemetryConfig configures OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// SimConfig sizes the simulated SDK runtime.
type SimConfig struct {
	Workers int   `yaml:"workers"`
	Queue   int   `yaml:"queue"`
	Seed    int64 `yaml:"seed"`
}

// SimProfile shapes simulated network behaviour.
type SimProfile struct {
	Latency         time.Duration `yaml:"latency"`
	FillRate        float64       `yaml:"fillRate"`
	DisplayFailRate float64       `yaml:"displayFailRate"`
	RewardRate      float64       `yaml:"rewardRate"`
}

// Default returns the default configuration: three simulated networks in waterfall order.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Tick:        DefaultTick,
		Networks: []NetworkSpec{
			defaultNetwork("admob", "admob", 0, ""),
			defaultNetwork("ironsource", "ironsource", 1, "demo-ironsource-key"),
			defaultNetwork("unityads", "unityads", 2, "demo-unity-key"),
		},
		Capping: CappingConfig{
			Enabled: false,
			Formats: map[string]CapRule{},
		},
		Sinks: SinkConfig{
			Log:            true,
			JSONLPath:      "",
			Metrics:        true,
			Prometheus:     false,
			PrometheusAddr: "",
			Postgres: PostgresConfig{
				DSN:           "",
				BufferSize:    1024,
				BatchSize:     100,
				FlushInterval: time.Second,
				Migrate:       true,
			},
		},
		Telemetry: TelemetryConfig{OTLPEndpoint: "", ServiceName: "waterfall-mediator"},
		Sim:       SimConfig{Workers: 4, Queue: 64, Seed: 1},
	}
}

func defaultNetwork(name, kind string, priority int, appKey string) NetworkSpec {
	return NetworkSpec{
		Name:     name,
		Kind:     kind,
		Priority: priority,
		AppKey:   appKey,
		SDK:      SDKSim,
		Units: map[string]string{
			"banner":         name + "-banner",
			"interstitial":   name + "-interstitial",
			"rewarded_video": name + "-rewarded",
			"app_open":       name + "-app-open",
		},
		Retry: RetryConfig{
			Enabled:             true,
			InitialInterval:     2 * time.Second,
			MaxInterval:         time.Minute,
			Multiplier:          2,
			RandomizationFactor: 0.2,
			MaxAttempts:         5,
		},
		Sim: SimProfile{
			Latency:         50 * time.Millisecond,
			FillRate:        0.8,
			DisplayFailRate: 0.05,
			RewardRate:      0.9,
		},
	}
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() AppConfig {
	return ApplyEnv(Default())
}

// ApplyEnv overlays WATERFALL_* environment variables onto a copy of cfg.
func ApplyEnv(cfg AppConfig) AppConfig {
	out := cfg.clone()
	if env := strings.TrimSpace(os.Getenv("WATERFALL_ENV")); env != "" {
		out.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_TICK")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			out.Tick = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_OTLP_ENDPOINT")); v != "" {
		out.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_SERVICE_NAME")); v != "" {
		out.Telemetry.ServiceName = v
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_PG_DSN")); v != "" {
		out.Sinks.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_JSONL_PATH")); v != "" {
		out.Sinks.JSONLPath = v
	}
	if v := strings.TrimSpace(os.Getenv("WATERFALL_PROMETHEUS_ADDR")); v != "" {
		out.Sinks.Prometheus = true
		out.Sinks.PrometheusAddr = v
	}
	for i := range out.Networks {
		key := "WATERFALL_" + envName(out.Networks[i].Name) + "_APP_KEY"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			out.Networks[i].AppKey = v
		}
	}
	return out
}

func envName(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

// Option mutates AppConfig when applied via Apply.
type Option func(*AppConfig)

// Apply applies the provided Option set to a copy of the base configuration.
func Apply(base AppConfig, opts ...Option) AppConfig {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(c *AppConfig) {
		if env != "" {
			c.Environment = env
		}
	}
}

// WithTick overrides the queue drain interval.
func WithTick(tick time.Duration) Option {
	return func(c *AppConfig) {
		if tick > 0 {
			c.Tick = tick
		}
	}
}

// WithNetwork adds spec or replaces the network with the same name.
func WithNetwork(spec NetworkSpec) Option {
	name := normalizeName(spec.Name)
	return func(c *AppConfig) {
		if name == "" {
			return
		}
		spec = cloneNetwork(spec)
		for i := range c.Networks {
			if normalizeName(c.Networks[i].Name) == name {
				c.Networks[i] = spec
				return
			}
		}
		c.Networks = append(c.Networks, spec)
	}
}

// WithoutNetwork removes the named network.
func WithoutNetwork(name string) Option {
	name = normalizeName(name)
	return func(c *AppConfig) {
		kept := c.Networks[:0]
		for _, n := range c.Networks {
			if normalizeName(n.Name) != name {
				kept = append(kept, n)
			}
		}
		c.Networks = kept
	}
}

// WithAppKey sets the app key of the named network.
func WithAppKey(name, key string) Option {
	name = normalizeName(name)
	key = strings.TrimSpace(key)
	return func(c *AppConfig) {
		for i := range c.Networks {
			if normalizeName(c.Networks[i].Name) == name {
				c.Networks[i].AppKey = key
			}
		}
	}
}

// WithCap enables capping and sets the rule for an ad type.
func WithCap(adType string, interval time.Duration, burst int) Option {
	adType = normalizeName(adType)
	return func(c *AppConfig) {
		if adType == "" {
			return
		}
		if c.Capping.Formats == nil {
			c.Capping.Formats = make(map[string]CapRule)
		}
		c.Capping.Enabled = true
		c.Capping.Formats[adType] = CapRule{Interval: interval, Burst: burst}
	}
}

// WithTelemetry overrides the OTLP endpoint and service name.
func WithTelemetry(endpoint, service string) Option {
	endpoint = strings.TrimSpace(endpoint)
	service = strings.TrimSpace(service)
	return func(c *AppConfig) {
		if endpoint != "" {
			c.Telemetry.OTLPEndpoint = endpoint
		}
		if service != "" {
			c.Telemetry.ServiceName = service
		}
	}
}

// WithPostgresDSN enables the Postgres event store.
func WithPostgresDSN(dsn string) Option {
	dsn = strings.TrimSpace(dsn)
	return func(c *AppConfig) {
		c.Sinks.Postgres.DSN = dsn
	}
}

// Network returns the named network spec if present.
func (c AppConfig) Network(name string) (NetworkSpec, bool) {
	name = normalizeName(name)
	for _, n := range c.Networks {
		if normalizeName(n.Name) == name {
			return cloneNetwork(n), true
		}
	}
	return NetworkSpec{}, false
}

// NetworkNames lists the configured network names in sorted order.
func (c AppConfig) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for _, n := range c.Networks {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names
}

func (c AppConfig) clone() AppConfig {
	out := c
	out.Networks = make([]NetworkSpec, 0, len(c.Networks))
	for _, n := range c.Networks {
		out.Networks = append(out.Networks, cloneNetwork(n))
	}
	out.Capping.Formats = make(map[string]CapRule, len(c.Capping.Formats))
	for k, v := range c.Capping.Formats {
		out.Capping.Formats[k] = v
	}
	return out
}

func cloneNetwork(n NetworkSpec) NetworkSpec {
	out := n
	out.Units = make(map[string]string, len(n.Units))
	for k, v := range n.Units {
		out.Units[k] = v
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
