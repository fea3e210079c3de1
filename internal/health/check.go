// Package health verifies that each active stream's encoder is alive and
// producing fresh output, one discrete tick at a time.
package health

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"streamshare/internal/buffer"
	"streamshare/internal/models"
	"streamshare/internal/registry"
	"streamshare/internal/supervisor"
)

// Reason classifies the outcome of a check.
type Reason string

const (
	ReasonHealthy          Reason = "healthy"
	ReasonStartupGrace     Reason = "startup_grace"
	ReasonMonitorDisabled  Reason = "monitor_disabled"
	ReasonStaleChain       Reason = "stale_chain"
	ReasonRecordMissing    Reason = "record_missing"
	ReasonProcessDead      Reason = "process_dead"
	ReasonWrongBinary      Reason = "wrong_binary"
	ReasonOutputDirMissing Reason = "output_dir_missing"
	ReasonNoSegments       Reason = "no_segments"
	ReasonStalled          Reason = "stalled"
	ReasonCheckError       Reason = "check_error"
)

// Result is the outcome of one evaluation.
type Result struct {
	Healthy bool   `json:"healthy"`
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// Terminal reports whether the monitor chain should end without failover.
func (r Result) Terminal() bool {
	return r.Reason == ReasonMonitorDisabled || r.Reason == ReasonStaleChain
}

func healthy(reason Reason, detail string) Result {
	return Result{Healthy: true, Reason: reason, Detail: detail}
}

func failed(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ProcessChecker classifies a pid against its expected binary.
type ProcessChecker interface {
	CheckProcess(ctx context.Context, pid int, binary string) (supervisor.ProcessState, error)
}

const (
	DefaultStartupGrace = 20 * time.Second
	DefaultMultiplier   = 3
)

// CheckerConfig wires a Checker.
type CheckerConfig struct {
	Registry        *registry.Registry
	Processes       ProcessChecker
	Now             func() time.Time
	StartupGrace    time.Duration
	SegmentDuration time.Duration
	// Multiplier times SegmentDuration is the oldest the newest segment may
	// be before the encoder counts as stalled.
	Multiplier int
}

// Checker evaluates the liveness and freshness checks of one stream.
type Checker struct {
	registry        *registry.Registry
	processes       ProcessChecker
	now             func() time.Time
	startupGrace    time.Duration
	segmentDuration time.Duration
	multiplier      int
}

// NewChecker constructs a Checker.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Registry == nil || cfg.Processes == nil {
		return nil, errors.New("registry and process checker are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 4 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	return &Checker{
		registry:        cfg.Registry,
		processes:       cfg.Processes,
		now:             cfg.Now,
		startupGrace:    cfg.StartupGrace,
		segmentDuration: cfg.SegmentDuration,
		multiplier:      cfg.Multiplier,
	}, nil
}

// StaleAfter is the newest-segment age beyond which a stream is stalled.
func (c *Checker) StaleAfter() time.Duration {
	return c.segmentDuration * time.Duration(c.multiplier)
}

// Evaluate runs the stream checks in order and stops at the first failure.
func (c *Checker) Evaluate(ctx context.Context, key models.StreamKey) Result {
	rec, err := c.registry.Get(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return failed(ReasonRecordMissing, "no record for %s", key)
	}
	if err != nil {
		return failed(ReasonCheckError, "load record: %v", err)
	}
	return c.EvaluateRecord(ctx, rec)
}

// EvaluateRecord runs the checks that follow the record lookup.
func (c *Checker) EvaluateRecord(ctx context.Context, rec models.StreamRecord) Result {
	now := c.now()
	started := rec.StartedAt
	if started.IsZero() {
		started = rec.CreatedAt
	}
	inGrace := now.Sub(started) < c.startupGrace

	if rec.PID <= 0 {
		if inGrace {
			return healthy(ReasonStartupGrace, "process not spawned yet")
		}
		return failed(ReasonProcessDead, "no pid recorded")
	}
	state, err := c.processes.CheckProcess(ctx, rec.PID, rec.Binary)
	if err != nil {
		return failed(ReasonCheckError, "inspect pid %d: %v", rec.PID, err)
	}
	switch state {
	case supervisor.ProcessDead:
		return failed(ReasonProcessDead, "pid %d is not running", rec.PID)
	case supervisor.ProcessForeign:
		return failed(ReasonWrongBinary, "pid %d is not %s", rec.PID, rec.Binary)
	}

	if rec.OutputDir == "" {
		return failed(ReasonOutputDirMissing, "record has no output directory")
	}
	if info, err := os.Stat(rec.OutputDir); err != nil || !info.IsDir() {
		return failed(ReasonOutputDirMissing, "output directory %s is missing", rec.OutputDir)
	}
	files, err := buffer.ListSegmentFiles(rec.OutputDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failed(ReasonCheckError, "list segments: %v", err)
	}
	files = currentRun(files, started)
	if len(files) == 0 {
		if inGrace {
			return healthy(ReasonStartupGrace, "waiting for first segment")
		}
		return failed(ReasonNoSegments, "no segments %s after start", now.Sub(started).Round(time.Second))
	}
	newest := files[len(files)-1]
	if age := now.Sub(newest.ModTime); age >= c.StaleAfter() {
		return failed(ReasonStalled, "newest segment is %s old (limit %s)", age.Round(time.Millisecond), c.StaleAfter())
	}
	return healthy(ReasonHealthy, "")
}

// mtimeSlack absorbs file timestamps taken from the kernel's coarse clock,
// which can trail the start time recorded by the supervisor.
const mtimeSlack = time.Second

// currentRun drops segments left in the output directory by an earlier run
// of the stream; only output of the current process counts.
func currentRun(files []buffer.SegmentFile, started time.Time) []buffer.SegmentFile {
	cutoff := started.Add(-mtimeSlack)
	kept := files[:0]
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
