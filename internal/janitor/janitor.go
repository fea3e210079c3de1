// Package janitor reclaims idle streams and keeps buffer storage within its
// caps. A sweep never aborts on a single bad item; failures are logged and
// counted per item.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"streamshare/internal/clients"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
	"streamshare/internal/store"
)

const (
	DefaultIdleAfter       = 600 * time.Second
	DefaultMinAge          = 120 * time.Second
	DefaultStuckUptime     = 14400 * time.Second
	DefaultStuckIdle       = 1800 * time.Second
	DefaultStreamCap       = 100 * 1000 * 1000
	DefaultStreamTarget    = 50 * 1000 * 1000
	DefaultGlobalCap       = 1 << 30
	DefaultGlobalRatio     = 0.8
	DefaultTempMaxAge      = time.Hour
	DefaultDailyTempMaxAge = 24 * time.Hour
	DefaultSweepTimeout    = 150 * time.Second
)

// Stopper tears a stream down the same way an explicit stop does.
type Stopper interface {
	Stop(ctx context.Context, key models.StreamKey) error
}

// Config wires a Janitor.
type Config struct {
	Registry *registry.Registry
	Clients  *clients.Tracker
	Stopper  Stopper
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time

	// BufferRoot holds per-stream output directories; directories with no
	// record are removed as orphans.
	BufferRoot string
	// TempDir is swept of stale files by the daily sweep.
	TempDir string

	IdleAfter   time.Duration
	MinAge      time.Duration
	StuckUptime time.Duration
	StuckIdle   time.Duration

	StreamCap    int64
	StreamTarget int64
	GlobalCap    int64
	GlobalRatio  float64

	TempMaxAge      time.Duration
	DailyTempMaxAge time.Duration
	SweepTimeout    time.Duration
}

// Janitor runs reclamation and eviction sweeps.
type Janitor struct {
	registry *registry.Registry
	store    store.Store
	clients  *clients.Tracker
	stopper  Stopper
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	bufferRoot string
	tempDir    string

	idleAfter   time.Duration
	minAge      time.Duration
	stuckUptime time.Duration
	stuckIdle   time.Duration

	streamCap    int64
	streamTarget int64
	globalCap    int64
	globalRatio  float64

	tempMaxAge      time.Duration
	dailyTempMaxAge time.Duration
	sweepTimeout    time.Duration
}

// Report summarises one sweep.
type Report struct {
	Reclaimed       []models.StreamKey `json:"reclaimed"`
	PrunedIndex     int                `json:"pruned_index_entries"`
	EvictedSegments int                `json:"evicted_segments"`
	EvictedBytes    int64              `json:"evicted_bytes"`
	FootprintBefore int64              `json:"footprint_before"`
	FootprintAfter  int64              `json:"footprint_after"`
	OrphanDirs      []string           `json:"orphan_dirs"`
	TempFiles       int                `json:"temp_files"`
	Errors          int                `json:"errors"`
	Duration        time.Duration      `json:"duration"`
}

// New constructs a Janitor.
func New(cfg Config) (*Janitor, error) {
	if cfg.Registry == nil || cfg.Stopper == nil {
		return nil, errors.New("registry and stopper are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Clients == nil {
		cfg.Clients = clients.New(cfg.Registry.Store(), 0, cfg.Now)
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultIdleAfter
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.StuckUptime <= 0 {
		cfg.StuckUptime = DefaultStuckUptime
	}
	if cfg.StuckIdle <= 0 {
		cfg.StuckIdle = DefaultStuckIdle
	}
	if cfg.StreamCap <= 0 {
		cfg.StreamCap = DefaultStreamCap
	}
	if cfg.StreamTarget <= 0 || cfg.StreamTarget > cfg.StreamCap {
		cfg.StreamTarget = min(DefaultStreamTarget, cfg.StreamCap)
	}
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = DefaultGlobalCap
	}
	if cfg.GlobalRatio <= 0 || cfg.GlobalRatio > 1 {
		cfg.GlobalRatio = DefaultGlobalRatio
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = DefaultTempMaxAge
	}
	if cfg.DailyTempMaxAge <= 0 {
		cfg.DailyTempMaxAge = DefaultDailyTempMaxAge
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = DefaultSweepTimeout
	}
	return &Janitor{
		registry:        cfg.Registry,
		store:           cfg.Registry.Store(),
		clients:         cfg.Clients,
		stopper:         cfg.Stopper,
		logger:          logging.WithComponent(cfg.Logger, "janitor"),
		metrics:         cfg.Metrics,
		now:             cfg.Now,
		bufferRoot:      cfg.BufferRoot,
		tempDir:         cfg.TempDir,
		idleAfter:       cfg.IdleAfter,
		minAge:          cfg.MinAge,
		stuckUptime:     cfg.StuckUptime,
		stuckIdle:       cfg.StuckIdle,
		streamCap:       cfg.StreamCap,
		streamTarget:    cfg.StreamTarget,
		globalCap:       cfg.GlobalCap,
		globalRatio:     cfg.GlobalRatio,
		tempMaxAge:      cfg.TempMaxAge,
		dailyTempMaxAge: cfg.DailyTempMaxAge,
		sweepTimeout:    cfg.SweepTimeout,
	}, nil
}

// GlobalTarget is the footprint a global trim shrinks storage to.
func (j *Janitor) GlobalTarget() int64 {
	return int64(float64(j.globalCap) * j.globalRatio)
}

// Sweep runs reclamation and eviction concurrently within the sweep
// timeout, then removes orphaned directories and stale temp files from the
// buffer root.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	return j.sweep(ctx, false)
}

// DailySweep is Sweep plus removal of every file in the temp directory older
// than the daily threshold.
func (j *Janitor) DailySweep(ctx context.Context) (Report, error) {
	return j.sweep(ctx, true)
}

func (j *Janitor) sweep(ctx context.Context, daily bool) (Report, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, j.sweepTimeout)
	defer cancel()

	var reclaim, evict Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		reclaim, err = j.Reclaim(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		evict, err = j.Evict(gctx)
		return err
	})
	err := g.Wait()

	report := evict
	report.Reclaimed = reclaim.Reclaimed
	report.Errors += reclaim.Errors

	orphans, orphanErrs := j.RemoveOrphans(ctx)
	report.OrphanDirs = orphans
	report.Errors += orphanErrs

	removed, tempErrs := j.removeTempFiles(ctx, daily)
	report.TempFiles = removed
	report.Errors += tempErrs
	report.Duration = time.Since(started)

	j.logger.Info("janitor sweep finished",
		"daily", daily,
		"reclaimed", len(report.Reclaimed),
		"evicted_segments", report.EvictedSegments,
		"evicted", humanize.Bytes(uint64(max(report.EvictedBytes, 0))),
		"footprint", humanize.Bytes(uint64(max(report.FootprintAfter, 0))),
		"orphans", len(report.OrphanDirs),
		"temp_files", report.TempFiles,
		"errors", report.Errors,
		"duration", report.Duration.Round(time.Millisecond))
	if err != nil {
		return report, fmt.Errorf("janitor sweep: %w", err)
	}
	return report, nil
}

// ShouldReclaim applies the reclamation rule to one record.
func (j *Janitor) ShouldReclaim(rec models.StreamRecord, clientCount int, now time.Time) bool {
	idle := rec.Idle(now)
	age := rec.Age(now)
	uptime := age
	if !rec.StartedAt.IsZero() {
		uptime = now.Sub(rec.StartedAt)
	}
	if clientCount == 0 && idle > j.idleAfter && age > j.minAge {
		return true
	}
	return uptime > j.stuckUptime && idle > j.stuckIdle
}

// Reclaim stops every stream the reclamation rule selects.
func (j *Janitor) Reclaim(ctx context.Context) (Report, error) {
	var report Report
	keys, err := j.registry.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list streams: %w", err)
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := j.logger.With("stream_key", string(key))
		rec, err := j.registry.Get(ctx, key)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Errors++
			logger.Warn("failed to load stream", "error", err)
			continue
		}
		count, err := j.clients.Count(ctx, key)
		if err != nil {
			report.Errors++
			logger.Warn("failed to count clients", "error", err)
			continue
		}
		now := j.now()
		if !j.ShouldReclaim(rec, count, now) {
			continue
		}
		if rec.RequestID != "" {
			logger = logger.With("request_id", rec.RequestID)
		}
		if err := j.stopper.Stop(ctx, key); err != nil {
			report.Errors++
			logger.Warn("failed to reclaim stream", "error", err)
			continue
		}
		report.Reclaimed = append(report.Reclaimed, key)
		logger.Info("reclaimed idle stream",
			"clients", count,
			"idle", rec.Idle(now).Round(time.Second),
			"age", rec.Age(now).Round(time.Second))
	}
	j.metrics.Reclaimed(len(report.Reclaimed))
	return report, nil
}
