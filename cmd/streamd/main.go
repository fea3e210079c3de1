// Command streamd runs the shared-stream engine: transcoder supervision,
// segment buffering, health monitoring with failover, the janitor and the
// admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"streamshare/internal/api"
	"streamshare/internal/app"
	"streamshare/internal/config"
	"streamshare/internal/failover"
	"streamshare/internal/janitor"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/serverutil"
)

func main() {
	cfg, _, err := config.Load("streamd", os.Args[1:], nil)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.Usage("streamd", os.Stderr)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "streamd: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr})
	if err := run(cfg, logger); err != nil {
		logger.Error("streamd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.New()
	a, err := app.NewDaemon(ctx, cfg, logger, recorder, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	if n, err := a.Engine.Adopt(ctx); err != nil {
		logger.Warn("failed to adopt existing streams", "error", err)
	} else if n > 0 {
		logger.Info("resumed monitoring", "streams", n)
	}

	stopJanitor := janitor.StartWorker(ctx, logging.WithComponent(logger, "janitor-worker"), a.Janitor, cfg.JanitorPeriod, cfg.DailyPeriod)
	defer stopJanitor()

	go reloadOnHangup(ctx, logger, a.Resolver)

	handler, err := api.NewHandler(api.Config{
		Viewer:   a.Engine,
		Operator: a.Operator,
		Store:    a.Store,
		Logger:   logger,
		Metrics:  recorder,
		Token:    cfg.AdminToken,
	})
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		logger.Warn("admin API is not protected by a token")
	}

	return serverutil.Run(ctx, serverutil.Config{
		Server:          handler.NewServer(cfg.AdminAddr, cfg.SweepTimeout+cfg.StopGrace),
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logging.WithComponent(logger, "admin"),
		Ready: func(addr net.Addr) {
			logger.Info("streamd ready", "admin_addr", addr.String(), "store", cfg.StoreDriver, "buffer_root", cfg.BufferRoot)
		},
		Drain: func(context.Context) error {
			stopJanitor()
			return nil
		},
	})
}

// reloadOnHangup re-reads the sources file on SIGHUP.
func reloadOnHangup(ctx context.Context, logger *slog.Logger, resolver failover.Resolver) {
	catalogs := catalogsOf(resolver)
	if len(catalogs) == 0 {
		return
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			for _, c := range catalogs {
				if err := c.Reload(); err != nil {
					logger.Error("failed to reload sources file", "error", err)
					continue
				}
				logger.Info("reloaded sources file", "sources", c.Len())
			}
		}
	}
}

func catalogsOf(resolver failover.Resolver) []*failover.Catalog {
	switch r := resolver.(type) {
	case *failover.Catalog:
		return []*failover.Catalog{r}
	case failover.Chain:
		var out []*failover.Catalog
		for _, inner := range r {
			out = append(out, catalogsOf(inner)...)
		}
		return out
	default:
		return nil
	}
}
