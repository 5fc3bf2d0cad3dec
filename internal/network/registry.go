package network

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/waterfall/config"
	"github.com/coachpo/waterfall/internal/ads"
	"github.com/coachpo/waterfall/internal/deferred"
)

// SDKResolver supplies the native binding for a configured network.
type SDKResolver func(spec config.NetworkSpec) (SDK, error)

// Deps carries host-owned collaborators shared by every adapter.
type Deps struct {
	Queue      *deferred.Queue
	ResolveSDK SDKResolver
	Logger     *log.Logger
	Clock      func() time.Time
	After      func(time.Duration, func())
}

// Factory constructs a provider from its network declaration.
type Factory func(spec config.NetworkSpec, deps Deps) (ads.Provider, error)

// Registry maintains provider factories keyed by network kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with the built-in network profiles.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range []Profile{AdMob, IronSource, UnityAds} {
		r.Register(p.Kind, ProfileFactory(p))
	}
	return r
}

// Register registers a factory for the given kind.
func (r *Registry) Register(kind string, factory Factory) {
	if factory == nil {
		panic("network factory required")
	}
	r.mu.Lock()
	r.factories[strings.ToLower(strings.TrimSpace(kind))] = factory
	r.mu.Unlock()
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Create builds a provider from one network declaration.
func (r *Registry) Create(spec config.NetworkSpec, deps Deps) (ads.Provider, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("network kind %q not registered", spec.Kind)
	}
	provider, err := factory(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("instantiate network %s(%s): %w", spec.Name, spec.Kind, err)
	}
	return provider, nil
}

// CreateAll builds every configured network in declaration order.
func (r *Registry) CreateAll(specs []config.NetworkSpec, deps Deps) ([]ads.Provider, error) {
	out := make([]ads.Provider, 0, len(specs))
	for _, spec := range specs {
		p, err := r.Create(spec, deps)
		if err != nil {
			for _, built := range out {
				built.Destroy()
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ProfileFactory returns a factory building generic adapters for profile.
func ProfileFactory(profile Profile) Factory {
	return func(spec config.NetworkSpec, deps Deps) (ads.Provider, error) {
		opts, err := OptionsFromSpec(spec, profile, deps)
		if err != nil {
			return nil, err
		}
		return NewAdapter(opts)
	}
}

// OptionsFromSpec maps a configured network onto adapter options.
func OptionsFromSpec(spec config.NetworkSpec, profile Profile, deps Deps) (Options, error) {
	if deps.ResolveSDK == nil {
		return Options{}, fmt.Errorf("sdk resolver required")
	}
	sdk, err := deps.ResolveSDK(spec)
	if err != nil {
		return Options{}, fmt.Errorf("resolve sdk: %w", err)
	}
	units := make(map[ads.Format]string, len(spec.Units))
	for key, unit := range spec.Units {
		format, err := ads.ParseFormat(key)
		if err != nil {
			return Options{}, err
		}
		if !profile.Formats.Has(format) {
			continue
		}
		units[format] = unit
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = profile.Kind
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, name+" ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = log.New(logger.Writer(), logger.Prefix()+name+" ", logger.Flags())
	}
	return Options{
		Name:     name,
		Priority: spec.Priority,
		Profile:  profile,
		AppKey:   spec.AppKey,
		Units:    units,
		SDK:      sdk,
		Queue:    deps.Queue,
		Logger:   logger,
		Clock:    deps.Clock,
		Retry: RetryPolicy{
			Enabled:             spec.Retry.Enabled,
			InitialInterval:     spec.Retry.InitialInterval,
			MaxInterval:         spec.Retry.MaxInterval,
			Multiplier:          spec.Retry.Multiplier,
			RandomizationFactor: spec.Retry.RandomizationFactor,
			MaxAttempts:         spec.Retry.MaxAttempts,
		},
		After: deps.After,
	}, nil
}
