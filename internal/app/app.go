// Package app assembles the stream engine components from a Config. The
// daemon and the operator CLI share the assembly so both see the same key
// layout, thresholds and stop semantics.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"streamshare/internal/buffer"
	"streamshare/internal/clients"
	"streamshare/internal/config"
	"streamshare/internal/engine"
	"streamshare/internal/failover"
	"streamshare/internal/health"
	"streamshare/internal/janitor"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/operator"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
)

// App holds the assembled components. Daemon-only fields are nil in an
// operator assembly.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	Store      store.Store
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Clients    *clients.Tracker
	Checker    *health.Checker
	Janitor    *janitor.Janitor
	Operator   *operator.Service

	Slots    *buffer.Slots
	Buffers  *buffer.Manager
	Monitor  *health.Monitor
	Resolver failover.Resolver
	Engine   *engine.Engine

	closers []func() error
}

// Options adjust an assembly.
type Options struct {
	// Store overrides the store named by the config.
	Store store.Store
	// Launcher overrides process spawning, mainly for tests.
	Launcher  supervisor.Launcher
	Inspector supervisor.Inspector
	Signaler  supervisor.Signaler
	// Resolver overrides the sources file and Postgres resolvers.
	Resolver failover.Resolver
}

// NewOperator assembles what the operator commands need: no drain loops,
// monitor or resolver.
func NewOperator(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	return build(ctx, cfg, logger, nil, opts, false)
}

// NewDaemon assembles the full engine.
func NewDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, opts Options) (*App, error) {
	return build(ctx, cfg, logger, recorder, opts, true)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, opts Options, daemon bool) (a *App, err error) {
	if logger == nil {
		logger = logging.Discard()
	}
	a = &App{Config: cfg, Logger: logger, Metrics: recorder}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.Store = opts.Store
	if a.Store == nil {
		s, err := OpenStore(ctx, cfg)
		if err != nil {
			return a, err
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
	}
	a.Registry = registry.New(a.Store, logger)

	a.Supervisor, err = supervisor.New(supervisor.Config{
		Registry:           a.Registry,
		Launcher:           opts.Launcher,
		Inspector:          opts.Inspector,
		Signaler:           opts.Signaler,
		Logger:             logger,
		Metrics:            recorder,
		BufferRoot:         cfg.BufferRoot,
		SegmentDuration:    cfg.SegmentDuration,
		StopGrace:          cfg.StopGrace,
		MonitorDisabledTTL: cfg.MonitorDisabledTTL,
		AllowedBinaries:    cfg.AllowedBinaries,
	})
	if err != nil {
		return a, fmt.Errorf("supervisor: %w", err)
	}
	a.Clients = clients.New(a.Store, cfg.LeaseTTL, nil)
	a.Checker, err = health.NewChecker(health.CheckerConfig{
		Registry:        a.Registry,
		Processes:       a.Supervisor,
		StartupGrace:    cfg.StartupGrace,
		SegmentDuration: cfg.SegmentDuration,
		Multiplier:      cfg.StaleMultiplier,
	})
	if err != nil {
		return a, fmt.Errorf("health checker: %w", err)
	}

	var stopper janitor.Stopper = a.Supervisor
	if daemon {
		if err := a.buildEngine(ctx, opts); err != nil {
			return a, err
		}
		stopper = a.Engine
	}

	a.Janitor, err = janitor.New(janitor.Config{
		Registry:        a.Registry,
		Clients:         a.Clients,
		Stopper:         stopper,
		Logger:          logger,
		Metrics:         recorder,
		BufferRoot:      cfg.BufferRoot,
		TempDir:         cfg.TempDir,
		IdleAfter:       cfg.IdleAfter,
		MinAge:          cfg.MinAge,
		StuckUptime:     cfg.StuckUptime,
		StuckIdle:       cfg.StuckIdle,
		StreamCap:       cfg.StreamCap,
		StreamTarget:    cfg.StreamTarget,
		GlobalCap:       cfg.GlobalCap,
		GlobalRatio:     cfg.GlobalRatio,
		TempMaxAge:      cfg.TempMaxAge,
		DailyTempMaxAge: cfg.DailyTempMaxAge,
		SweepTimeout:    cfg.SweepTimeout,
	})
	if err != nil {
		return a, fmt.Errorf("janitor: %w", err)
	}
	a.Operator, err = operator.New(operator.Config{
		Registry:     a.Registry,
		Supervisor:   a.Supervisor,
		Stopper:      stopper,
		Clients:      a.Clients,
		Checker:      a.Checker,
		Janitor:      a.Janitor,
		Logger:       logger,
		StartupGrace: cfg.StartupGrace,
	})
	if err != nil {
		return a, fmt.Errorf("operator: %w", err)
	}
	return a, nil
}

func (a *App) buildEngine(ctx context.Context, opts Options) error {
	cfg := a.Config
	slots, err := buffer.NewSlots(cfg.DrainSlots, cfg.SlotTimeout)
	if err != nil {
		return err
	}
	a.Slots = slots

	a.Buffers, err = buffer.New(buffer.Config{
		Registry:      a.Registry,
		Slots:         slots,
		Logger:        a.Logger,
		Metrics:       a.Metrics,
		ChunkSize:     int(cfg.ChunkSize),
		FlushInterval: cfg.FlushInterval,
		SegmentTTL:    cfg.SegmentTTL,
		IndexCap:      int64(cfg.IndexCap),
		Inactivity:    cfg.Inactivity,
		StderrLines:   cfg.StderrLines,
	})
	if err != nil {
		slots.Close()
		return fmt.Errorf("buffer manager: %w", err)
	}
	a.closers = append(a.closers, func() error { a.Buffers.Close(); return nil })
	a.Monitor, err = health.NewMonitor(health.MonitorConfig{
		Checker:     a.Checker,
		Registry:    a.Registry,
		Logger:      a.Logger,
		Metrics:     a.Metrics,
		Interval:    cfg.MonitorInterval,
		Workers:     int64(cfg.MonitorWorkers),
		TickTimeout: cfg.MonitorTickTimeout,
	})
	if err != nil {
		return fmt.Errorf("health monitor: %w", err)
	}

	a.Resolver = opts.Resolver
	if a.Resolver == nil {
		resolver, closeFn, err := OpenResolver(ctx, cfg, a.Logger)
		if err != nil {
			return err
		}
		a.Resolver = resolver
		a.closers = append(a.closers, closeFn)
	}

	a.Engine, err = engine.New(engine.Config{
		Registry:        a.Registry,
		Supervisor:      a.Supervisor,
		Buffers:         a.Buffers,
		Clients:         a.Clients,
		Monitor:         a.Monitor,
		Resolver:        a.Resolver,
		Logger:          a.Logger,
		Metrics:         a.Metrics,
		RedirectTTL:     cfg.RedirectTTL,
		MaxRedirectHops: cfg.MaxRedirectHops,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// OpenStore opens the shared store named by cfg and checks it is reachable.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverRedis, "":
		s, err := store.NewRedis(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// OpenResolver builds the source resolver chain: the sources file first, then
// the Postgres table. At least one must be configured.
func OpenResolver(ctx context.Context, cfg config.Config, logger *slog.Logger) (failover.Resolver, func() error, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	var chain failover.Chain
	closeFn := func() error { return nil }
	if path := strings.TrimSpace(cfg.SourcesFile); path != "" {
		catalog, err := failover.LoadCatalog(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load sources file: %w", err)
		}
		logger.Info("loaded sources file", "path", path, "sources", catalog.Len())
		chain = append(chain, catalog)
	}
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" {
		pg, err := failover.OpenPostgresResolver(ctx, failover.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(cfg.PostgresMaxConns),
			MaxConnIdleTime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
			ApplicationName: "streamshare",
		})
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Ping(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.PostgresEnsureTable {
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		chain = append(chain, pg)
		closeFn = func() error { pg.Close(); return nil }
	}
	if len(chain) == 0 {
		return nil, nil, errors.New("a sources file or a postgres dsn is required")
	}
	if len(chain) == 1 {
		return chain[0], closeFn, nil
	}
	return chain, closeFn, nil
}

// Close releases what the assembly opened, in reverse order. Running
// transcoders are left alone.
func (a *App) Close() error {
	if a.Monitor != nil {
		a.Monitor.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
