package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/PipeOpsHQ/finagent/approval"
	approvalmemory "github.com/PipeOpsHQ/finagent/approval/memory"
	approvalsqlite "github.com/PipeOpsHQ/finagent/approval/sqlite"
	"github.com/PipeOpsHQ/finagent/config"
	"github.com/PipeOpsHQ/finagent/graph"
	"github.com/PipeOpsHQ/finagent/graphs/finance"
	"github.com/PipeOpsHQ/finagent/llm"
	"github.com/PipeOpsHQ/finagent/lock"
	"github.com/PipeOpsHQ/finagent/logging"
	"github.com/PipeOpsHQ/finagent/observe"
	obsotel "github.com/PipeOpsHQ/finagent/observe/otel"
	obsredis "github.com/PipeOpsHQ/finagent/observe/redis"
	observestore "github.com/PipeOpsHQ/finagent/observe/store"
	eventsqlite "github.com/PipeOpsHQ/finagent/observe/store/sqlite"
	"github.com/PipeOpsHQ/finagent/orchestrator"
	"github.com/PipeOpsHQ/finagent/providers/gemini"
	"github.com/PipeOpsHQ/finagent/state"
	statefactory "github.com/PipeOpsHQ/finagent/state/factory"
	"github.com/PipeOpsHQ/finagent/tools"
	"github.com/PipeOpsHQ/finagent/tools/builtin"
	"github.com/PipeOpsHQ/finagent/tools/fred"
	"github.com/PipeOpsHQ/finagent/tracing"
	tracingmemory "github.com/PipeOpsHQ/finagent/tracing/memory"
	tracingsqlite "github.com/PipeOpsHQ/finagent/tracing/sqlite"
)

// runtime holds every component a command needs. Close releases them in
// reverse order of construction.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger

	threads   state.Store
	traces    tracing.Store
	approvals approval.Store
	events    observestore.Store
	redis     goredis.UniversalClient

	hub      *observe.Hub
	bus      *obsredis.Bus
	async    *observe.AsyncSink
	registry *tools.Registry
	graph    *graph.Graph
	tracer   *tracing.Service
	gate     *approval.Gate
	orch     *orchestrator.Orchestrator

	closers []func() error
}

type runtimeOptions struct {
	configPath string
	// live enables the in-process hub and, with redis, the event bus.
	live bool
}

func buildRuntime(ctx context.Context, opts runtimeOptions) (_ *runtime, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg: cfg,
		logger: logging.New(logging.Options{
			Format: logging.Format(cfg.Log.Format),
			Level:  logging.ParseLevel(cfg.Log.Level),
			Writer: os.Stderr,
		}),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openStores(ctx); err != nil {
		return nil, err
	}
	observer := rt.buildObserver(opts.live)

	rt.registry = tools.NewRegistry()
	var extra []tools.Tool
	if cfg.FRED.APIKey != "" {
		extra = append(extra, fred.New(cfg.FRED.APIKey, fred.WithBaseURL(cfg.FRED.BaseURL)).Tool())
	}
	if err := builtin.Register(rt.registry, extra...); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	var locker lock.Locker = lock.NewMemory()
	if rt.redis != nil {
		if locker, err = lock.NewRedis(rt.redis, lock.WithLogger(rt.logger)); err != nil {
			return nil, err
		}
	}

	ttl, err := cfg.ApprovalTTL()
	if err != nil {
		return nil, err
	}
	rt.gate, err = approval.NewGate(rt.approvals,
		approval.WithEstimator(approval.NewEstimator(cfg.Pricing)),
		approval.WithLocker(locker),
		approval.WithObserver(observer),
		approval.WithLogger(rt.logger),
		approval.WithTTL(ttl),
	)
	if err != nil {
		return nil, err
	}

	rt.tracer, err = tracing.NewService(rt.traces,
		tracing.WithObserver(observer),
		tracing.WithLogger(rt.logger),
		tracing.WithMaxSnapshotBytes(cfg.Limits.MaxSnapshotBytes),
	)
	if err != nil {
		return nil, err
	}

	provider, err := rt.buildProvider(ctx)
	if err != nil {
		return nil, err
	}
	exec, err := finance.NewExecutor(
		finance.Config{
			Provider:       provider,
			Registry:       rt.registry,
			Gate:           rt.gate,
			MaxReflections: cfg.Limits.MaxReflections,
		},
		graph.WithStore(rt.threads),
		graph.WithObserver(observer),
		graph.WithLogger(rt.logger),
		graph.WithMiddleware(rt.tracer.Middleware()),
		graph.WithDefaultMaxIterations(cfg.Limits.MaxIterations),
	)
	if err != nil {
		return nil, err
	}
	rt.graph = exec.Graph()
	rt.orch, err = orchestrator.New(exec,
		orchestrator.WithThreadStore(rt.threads),
		orchestrator.WithTracing(rt.tracer),
		orchestrator.WithLocker(locker),
		orchestrator.WithPendingApprovals(rt.gate),
		orchestrator.WithLogger(rt.logger),
	)
	if err != nil {
		return nil, err
	}
	rt.gate.SetResumer(rt.orch)
	return rt, nil
}

// openStores picks the backends. Every backend except memory keeps traces,
// approvals and the event history in the sqlite file next to checkpoints so
// that run, approve and serve can be separate processes. The redis
// connection is shared by the checkpoint cache, the locks and the event bus.
func (rt *runtime) openStores(ctx context.Context) error {
	cfg := rt.cfg
	backend := strings.ToLower(cfg.Store.Backend)
	if backend == statefactory.BackendRedis || backend == statefactory.BackendHybrid {
		if err := rt.connectRedis(ctx, backend == statefactory.BackendRedis); err != nil {
			return err
		}
	}

	storeOpts := cfg.StoreOptions()
	storeOpts.Logger = rt.logger
	storeOpts.RedisClient = rt.redis
	threads, err := statefactory.New(ctx, storeOpts)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	rt.threads = threads
	rt.closers = append(rt.closers, threads.Close)

	if backend == statefactory.BackendMemory {
		rt.traces = tracingmemory.New()
		rt.approvals = approvalmemory.New()
		return nil
	}

	if rt.traces, err = tracingsqlite.New(cfg.Store.SQLitePath); err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	rt.closers = append(rt.closers, rt.traces.Close)
	if rt.approvals, err = approvalsqlite.New(cfg.Store.SQLitePath); err != nil {
		return fmt.Errorf("open approval store: %w", err)
	}
	rt.closers = append(rt.closers, rt.approvals.Close)
	events, err := eventsqlite.New(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	rt.events = events
	rt.closers = append(rt.closers, events.Close)
	return nil
}

// connectRedis dials the configured redis. Only the redis backend treats an
// unreachable server as fatal; hybrid degrades to sqlite and local locks.
func (rt *runtime) connectRedis(ctx context.Context, required bool) error {
	cfg := rt.cfg.Store
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		if required {
			return fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		rt.logger.Warn("redis unavailable, using in-process locks and events", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	rt.redis = client
	rt.closers = append(rt.closers, client.Close)
	return nil
}

// buildObserver fans events out to the log, the event history, OTel and,
// for live commands, websocket subscribers. With redis the live path goes
// through the bus so every instance sees every run.
func (rt *runtime) buildObserver(live bool) observe.Sink {
	sinks := []observe.Sink{observe.NewLogSink(rt.logger)}
	if rt.events != nil {
		sinks = append(sinks, observestore.Sink(rt.events))
	}
	if rt.cfg.Telemetry.Traces {
		sinks = append(sinks, obsotel.NewSink(otel.GetTracerProvider()))
	}
	if rt.cfg.Telemetry.Metrics {
		metrics, err := obsotel.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			rt.logger.Warn("otel metrics disabled", "error", err)
		} else {
			sinks = append(sinks, metrics)
		}
	}
	if rt.redis != nil {
		if bus, err := obsredis.New(rt.redis, obsredis.WithLogger(rt.logger)); err == nil {
			rt.bus = bus
			sinks = append(sinks, bus)
		}
	}
	if !live {
		return observe.NewMultiSink(sinks...)
	}

	rt.hub = observe.NewHub()
	rt.closers = append(rt.closers, func() error { rt.hub.Close(); return nil })
	if rt.bus == nil {
		sinks = append(sinks, rt.hub)
	}
	rt.async = observe.NewAsyncSink(observe.NewMultiSink(sinks...), 1024, observe.WithErrorLogger(rt.logger))
	rt.closers = append(rt.closers, func() error { rt.async.Close(); return nil })
	return rt.async
}

func (rt *runtime) buildProvider(ctx context.Context) (llm.Provider, error) {
	if rt.cfg.Gemini.APIKey == "" {
		rt.logger.Info("no GEMINI_API_KEY set, running deterministic analysis nodes")
		return nil, nil
	}
	opts := []gemini.Option{gemini.WithModel(rt.cfg.Gemini.Model)}
	if rt.cfg.Gemini.ThinkingBudget > 0 {
		opts = append(opts, gemini.WithThoughts(rt.cfg.Gemini.ThinkingBudget))
	}
	client, err := gemini.New(ctx, rt.cfg.Gemini.APIKey, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (rt *runtime) Close() {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil && rt.logger != nil {
		rt.logger.Warn("runtime close failed", "error", err)
	}
}
