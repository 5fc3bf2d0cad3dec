// Command mediator runs a scripted ad session through the waterfall against the
// configured networks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/waterfall/config"
	"github.com/coachpo/waterfall/internal/deferred"
	"github.com/coachpo/waterfall/internal/mediation"
	"github.com/coachpo/waterfall/internal/network"
	"github.com/coachpo/waterfall/internal/network/sim"
	"github.com/coachpo/waterfall/internal/sink"
	"github.com/coachpo/waterfall/internal/sink/pgsink"
	"github.com/coachpo/waterfall/lib/async"
	"github.com/coachpo/waterfall/lib/telemetry"
)

const (
	mediatorLoggerPrefix     = "mediator "
	defaultSessionLength     = 30 * time.Second
	defaultStepInterval      = time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	metricsShutdownTimeout   = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	metricsReadHeaderTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	session    time.Duration
	step       time.Duration
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newMediatorLogger()

	appCfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, networks=%s, tick=%s",
		appCfg.Environment, strings.Join(appCfg.NetworkNames(), ","), appCfg.Tick)

	sessionID := uuid.New()
	providers, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry, sessionID.String())
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	pool, err := async.NewPool(appCfg.Sim.Workers, appCfg.Sim.Queue, async.WithLogger(componentLogger(logger, "async-pool ")))
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}
	resolve, closeSDKs := sim.Resolver(pool, appCfg.Sim.Seed, componentLogger(logger, "sim "))
	queue := deferred.NewQueue(deferred.WithLogger(componentLogger(logger, "deferred ")))

	events, err := buildSinks(ctx, appCfg.Sinks, sessionID, providers.MeterProvider, logger)
	if err != nil {
		logger.Fatalf("initialise event sinks: %v", err)
	}
	logger.Printf("event sinks configured: %d, session=%s", events.multi.Len(), sessionID)

	adapters, err := network.DefaultRegistry().CreateAll(appCfg.Networks, network.Deps{
		Queue:      queue,
		ResolveSDK: simOnly(resolve),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("initialise networks: %v", err)
	}

	capper, err := mediation.NewCapper(appCfg.Capping, nil)
	if err != nil {
		logger.Fatalf("initialise capping: %v", err)
	}

	var coord *mediation.Coordinator
	coord = mediation.New(
		mediation.WithLogger(componentLogger(logger, "mediation ")),
		mediation.WithTelemetry(events.multi),
		mediation.WithAnalytics(events.multi),
		mediation.WithAttribution(events.multi),
		mediation.WithCapper(capper),
		mediation.WithTracer(providers.Tracer()),
		mediation.WithOnReady(func() { coord.RequestAll() }),
	)
	if err := coord.SetAds(adapters...); err != nil {
		logger.Fatalf("register networks: %v", err)
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { queue.Run(runCtx, appCfg.Tick) })
	queue.Enqueue(func() {
		coord.SetAfterCheckGDPR()
		coord.Initialize()
	})

	drv := newDriver(coord, componentLogger(logger, "session "))
	lifecycle.Go(func() { drv.run(runCtx, queue, opts.step) })

	metricsServer := startMetricsServer(&lifecycle, logger, appCfg.Sinks.PrometheusAddr, events.registry)

	logger.Printf("session started: length=%s, step=%s", opts.session, opts.step)
	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received")
	case <-time.After(opts.session):
		logger.Print("session finished")
	}

	shutdown(logger, shutdownPlan{
		stopRun:   stopRun,
		lifecycle: &lifecycle,
		coord:     coord,
		closeSDKs: closeSDKs,
		pool:      pool,
		metrics:   metricsServer,
		events:    events,
		telemetry: telemetryShutdown,
	})
	drv.report()
}

func parseFlags() flags {
	cfgPath := flag.String("config", "", "Path to the mediator YAML configuration (default: WATERFALL_CONFIG or built-in defaults)")
	session := flag.Duration("session", defaultSessionLength, "Length of the scripted session")
	step := flag.Duration("step", defaultStepInterval, "Interval between scripted show requests")
	flag.Parse()
	return flags{configPath: *cfgPath, session: *session, step: *step}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newMediatorLogger() *log.Logger {
	return log.New(os.Stdout, mediatorLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func componentLogger(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

// simOnly rejects networks configured for an SDK this binary does not bundle.
func simOnly(resolve network.SDKResolver) network.SDKResolver {
	return func(spec config.NetworkSpec) (network.SDK, error) {
		kind := strings.TrimSpace(spec.SDK)
		if kind != "" && kind != config.SDKSim {
			return nil, fmt.Errorf("sdk %q is not available in this build", spec.SDK)
		}
		return resolve(spec)
	}
}

type eventSinks struct {
	multi    *sink.Multi
	registry *prometheus.Registry
	closers  []func()
}

func (s *eventSinks) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func buildSinks(ctx context.Context, cfg config.SinkConfig, session uuid.UUID, meters metric.MeterProvider, logger *log.Logger) (*eventSinks, error) {
	out := &eventSinks{}
	var backends []sink.Sink

	if cfg.Log {
		backends = append(backends, sink.NewLogger(componentLogger(logger, "events ")))
	}
	if path := strings.TrimSpace(cfg.JSONLPath); path != "" {
		jsonl, err := sink.OpenJSONL(path, componentLogger(logger, "jsonl-sink "))
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, func() {
			if err := jsonl.Close(); err != nil {
				logger.Printf("close jsonl sink: %v", err)
			}
		})
		backends = append(backends, jsonl)
	}
	if cfg.Metrics && meters != nil {
		counter, err := sink.NewMetrics(meters)
		if err != nil {
			out.close()
			return nil, err
		}
		backends = append(backends, counter)
	}
	if cfg.Prometheus {
		out.registry = prometheus.NewRegistry()
		backends = append(backends, sink.NewPrometheus(out.registry))
	}
	if strings.TrimSpace(cfg.Postgres.DSN) != "" {
		store, closeStore, err := pgsink.Open(ctx, cfg.Postgres, session, componentLogger(logger, "pgsink "))
		if err != nil {
			out.close()
			return nil, fmt.Errorf("open postgres sink: %w", err)
		}
		out.closers = append(out.closers, func() {
			closeStore()
			logger.Printf("postgres sink closed: written=%d dropped=%d failed=%d",
				store.Written(), store.Dropped(), store.Failed())
		})
		backends = append(backends, store)
	}

	out.multi = sink.NewMulti(componentLogger(logger, "sink "), backends...)
	return out, nil
}

func startMetricsServer(lifecycle *conc.WaitGroup, logger *log.Logger, addr string, registry *prometheus.Registry) *http.Server {
	if registry == nil || strings.TrimSpace(addr) == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})) //nolint:exhaustruct
	server := &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server: %v", err)
		}
	})
	logger.Printf("prometheus metrics listening on %s", addr)
	return server
}

type closer interface {
	Close()
}

type shutdownPlan struct {
	stopRun     context.CancelFunc
	lifecycle   *conc.WaitGroup
	waitTimeout time.Duration
	coord       closer
	closeSDKs   func()
	pool        *async.Pool
	metrics     *http.Server
	events      *eventSinks
	telemetry   func(context.Context) error
}

func shutdown(logger *log.Logger, plan shutdownPlan) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		err := fn(ctx)
		if err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
		return err
	}

	waitTimeout := plan.waitTimeout
	if waitTimeout <= 0 {
		waitTimeout = lifecycleShutdownTimeout
	}

	if plan.metrics != nil {
		_ = step("stopping metrics server", metricsShutdownTimeout, plan.metrics.Shutdown)
	}
	plan.stopRun()
	waitErr := step("waiting for lifecycle goroutines", waitTimeout, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			plan.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", ctx.Err())
		}
	})

	// networks may only be torn down by the owner of the coordinator, which is this
	// goroutine once the queue loop has returned
	if waitErr != nil {
		logger.Print("shutdown: queue loop still running, skipping network teardown")
	} else {
		plan.coord.Close()
	}
	plan.closeSDKs()
	_ = step("shutting down worker pool", poolShutdownTimeout, plan.pool.Shutdown)
	plan.events.close()
	_ = step("shutting down telemetry", telemetryShutdownTimeout, plan.telemetry)
}
