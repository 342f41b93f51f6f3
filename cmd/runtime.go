package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"flowpilot/config"
	"flowpilot/connectors"
	"flowpilot/durable"
	"flowpilot/events"
	"flowpilot/store"
	"flowpilot/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// runtime is the wired engine and everything it depends on.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	defs     *workflow.DefinitionRegistry
	engine   *workflow.Engine
	temporal client.Client
	notifier *connectors.QueueNotifier

	closers []func()
}

// newRuntime builds the engine from cfg. The caller must Close it.
func newRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		defs:     workflow.NewDefinitionRegistry(logger),
	}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := workflow.NewMetrics(rt.registry)

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithAssigneeResolver(workflow.NewStaticResolver(cfg.Groups)),
		workflow.WithBus(events.NewBus(
			events.WithBuffer(cfg.Events.Buffer),
			events.WithLogger(logger),
			events.WithDropHandler(func(string, events.Event) { metrics.EventDropped() }),
		)),
		workflow.WithHTTPCaller(connectors.NewHTTPCaller(cfg.HTTP.Timeout, cfg.HTTP.Breaker, logger)),
	}

	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		st = pg
		opts = append(opts, workflow.WithDataSource(store.NewPostgresDataSource(pg.Pool())))
		logger.Info("Using postgres store")
	default:
		st = store.NewMemoryStore()
		opts = append(opts, workflow.WithDataSource(store.NewMemoryDataSource()))
		logger.Info("Using in-memory store")
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		opts = append(opts, workflow.WithLocker(store.NewRedisLocker(rdb, store.RedisLockConfig{TTL: cfg.Redis.LockTTL}, logger)))
		logger.Info("Using redis instance locks", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Temporal.Enabled {
		c, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    durable.NewZapAdapter(logger),
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create Temporal client: %w", err)
		}
		rt.temporal = c
		rt.closers = append(rt.closers, c.Close)
		opts = append(opts, workflow.WithAlarm(durable.NewTemporalAlarm(c, cfg.Temporal.TaskQueue, logger)))
		logger.Info("Using Temporal timers",
			zap.String("hostPort", cfg.Temporal.HostPort),
			zap.String("taskQueue", cfg.Temporal.TaskQueue))
	}

	var base workflow.Notifier = connectors.NewLogNotifier(logger)
	if cfg.Notifier.WebhookURL != "" {
		base = connectors.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.HTTP.Timeout, logger)
	}
	rt.notifier = connectors.NewQueueNotifier(base, cfg.Notifier.QueueConfig, logger)
	rt.notifier.Start(ctx)
	rt.closers = append(rt.closers, rt.notifier.Close)
	opts = append(opts, workflow.WithNotifier(rt.notifier))

	rt.engine = workflow.NewEngine(rt.defs, st, opts...)
	rt.closers = append(rt.closers, rt.engine.Close)
	return rt, nil
}

// loadDefinitions registers every definition in the configured directory. A
// missing directory is not an error.
func (rt *runtime) loadDefinitions() (*workflow.DefinitionWatcher, error) {
	dir := rt.cfg.Definitions.Dir
	if dir == "" {
		return nil, nil
	}
	w := workflow.NewDefinitionWatcher(dir, rt.defs, rt.logger)
	if err := w.LoadAll(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			rt.logger.Warn("Definitions directory not found", zap.String("dir", dir))
			return nil, nil
		}
		rt.logger.Warn("Some definitions failed to load", zap.Error(err))
	}
	return w, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

