// Package supervisor acquires stream keys, spawns the transcoder subprocess
// for each, and stops it again. Acquisition is the one race-sensitive
// operation in the engine and relies on the store's atomic create-if-absent.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
	"streamshare/internal/store"
)

// ErrSpawn wraps every failure to start a subprocess.
var ErrSpawn = errors.New("supervisor: spawn failed")

const (
	defaultStopGrace          = 5 * time.Second
	defaultStopPoll           = 100 * time.Millisecond
	defaultMonitorDisabledTTL = 10 * time.Minute
)

// Config wires a Supervisor.
type Config struct {
	Registry  *registry.Registry
	Launcher  Launcher
	Inspector Inspector
	Signaler  Signaler
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time

	// BufferRoot holds one output directory per stream when a descriptor
	// does not name its own.
	BufferRoot      string
	SegmentDuration time.Duration
	// StopGrace bounds how long a stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
	StopPoll  time.Duration
	// MonitorDisabledTTL is how long the monitor-disabled flag outlives a stop.
	MonitorDisabledTTL time.Duration
	// AllowedBinaries restricts which executables a template may launch.
	// Empty allows any.
	AllowedBinaries []string
}

// Supervisor manages transcoder subprocesses per stream key.
type Supervisor struct {
	registry  *registry.Registry
	store     store.Store
	launcher  Launcher
	inspector Inspector
	signaler  Signaler
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	bufferRoot         string
	segmentDuration    time.Duration
	stopGrace          time.Duration
	stopPoll           time.Duration
	monitorDisabledTTL time.Duration
	allowed            []string
}

// Handle is a started stream: its record as written after spawn and the live
// process whose output the buffer manager drains.
type Handle struct {
	Record  models.StreamRecord
	Process Process
}

// New constructs a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Inspector == nil {
		cfg.Inspector = ProcInspector{}
	}
	if cfg.Signaler == nil {
		cfg.Signaler = GroupSignaler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.StopPoll <= 0 {
		cfg.StopPoll = defaultStopPoll
	}
	if cfg.MonitorDisabledTTL <= 0 {
		cfg.MonitorDisabledTTL = defaultMonitorDisabledTTL
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 4 * time.Second
	}
	allowed := make([]string, 0, len(cfg.AllowedBinaries))
	for _, bin := range cfg.AllowedBinaries {
		if bin = strings.TrimSpace(bin); bin != "" {
			allowed = append(allowed, filepath.Base(bin))
		}
	}
	return &Supervisor{
		registry:           cfg.Registry,
		store:              cfg.Registry.Store(),
		launcher:           cfg.Launcher,
		inspector:          cfg.Inspector,
		signaler:           cfg.Signaler,
		logger:             logging.WithComponent(cfg.Logger, "supervisor"),
		metrics:            cfg.Metrics,
		now:                cfg.Now,
		bufferRoot:         cfg.BufferRoot,
		segmentDuration:    cfg.SegmentDuration,
		stopGrace:          cfg.StopGrace,
		stopPoll:           cfg.StopPoll,
		monitorDisabledTTL: cfg.MonitorDisabledTTL,
		allowed:            allowed,
	}, nil
}

// OutputDir returns the directory a descriptor's stream writes to.
func (s *Supervisor) OutputDir(desc models.SourceDescriptor) string {
	if dir := strings.TrimSpace(desc.OutputDir); dir != "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(s.bufferRoot, string(desc.Key()))
}

// BufferRoot returns the directory holding per-stream output directories.
func (s *Supervisor) BufferRoot() string {
	return s.bufferRoot
}

// Acquire creates the record for desc with status starting if none exists.
// created reports whether this call won; when it did not, the existing
// record is returned and no subprocess may be spawned.
func (s *Supervisor) Acquire(ctx context.Context, desc models.SourceDescriptor, chain models.Chain) (models.StreamRecord, bool, error) {
	if err := desc.Validate(); err != nil {
		return models.StreamRecord{}, false, err
	}
	key := desc.Key()
	now := s.now().UTC()
	rec := models.StreamRecord{
		StreamKey:      key,
		Status:         models.StatusStarting,
		Type:           desc.Type,
		SourceID:       desc.ID,
		Title:          desc.Title,
		Format:         desc.Format,
		CreatedAt:      now,
		LastActivity:   now,
		OutputDir:      s.OutputDir(desc),
		Binary:         desc.Binary(),
		Fingerprint:    desc.Fingerprint(),
		RequestID:      chain.RequestID,
		CandidateIndex: chain.Index,
	}
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.registry.Create(ctx, rec)
		if err != nil {
			return models.StreamRecord{}, false, err
		}
		if created {
			s.metrics.Acquired(true)
			return rec, true, nil
		}
		existing, err := s.registry.Get(ctx, key)
		if errors.Is(err, registry.ErrNotFound) {
			// Deleted between the insert and the read; try once more.
			continue
		}
		if err != nil {
			return models.StreamRecord{}, false, err
		}
		if existing.Fingerprint != "" && existing.Fingerprint != rec.Fingerprint {
			s.log(ctx, key).Warn("existing stream was started from a different command template",
				"existing_fingerprint", existing.Fingerprint, "fingerprint", rec.Fingerprint)
		}
		s.metrics.Acquired(false)
		return existing, false, nil
	}
	return models.StreamRecord{}, false, fmt.Errorf("acquire %s: record churned during acquisition", key)
}

// Start spawns the subprocess for a record this caller acquired. It returns
// as soon as the process is running; the buffer manager flips the record to
// active once output arrives.
func (s *Supervisor) Start(ctx context.Context, rec models.StreamRecord, desc models.SourceDescriptor) (*Handle, error) {
	key := rec.StreamKey
	logger := s.log(ctx, key)
	if binary := desc.Binary(); len(s.allowed) > 0 && !slices.Contains(s.allowed, binary) {
		return nil, s.failStart(ctx, key, fmt.Errorf("%w: binary %q is not allowed", ErrSpawn, binary))
	}
	outputDir := rec.OutputDir
	if outputDir == "" {
		outputDir = s.OutputDir(desc)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, s.failStart(ctx, key, fmt.Errorf("%w: create output dir: %v", ErrSpawn, err))
	}
	argv := ExpandCommand(desc, outputDir, s.segmentDuration)
	proc, err := s.launcher.Launch(ctx, argv)
	if err != nil {
		return nil, s.failStart(ctx, key, fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	pid := proc.Pid()
	if err := s.registry.SetPID(ctx, rec.Type, rec.SourceID, pid); err != nil {
		logger.Warn("failed to record pid key", "pid", pid, "error", err)
	}
	if err := s.registry.EnableMonitor(ctx, key); err != nil {
		logger.Warn("failed to clear monitor flag", "error", err)
	}
	token := uuid.NewString()
	started := s.now().UTC()
	updated, err := s.registry.Update(ctx, key, func(r *models.StreamRecord) {
		r.PID = pid
		r.StartedAt = started
		r.LastActivity = started
		r.OutputDir = outputDir
		r.MonitorToken = token
		r.ErrorMessage = ""
	})
	if err != nil {
		// Stopped while spawning; do not leave the process behind.
		_ = s.signaler.Kill(pid)
		if _, cerr := s.registry.ReleasePID(ctx, rec.Type, rec.SourceID, pid); cerr != nil {
			logger.Warn("failed to clear pid key", "pid", pid, "error", cerr)
		}
		return nil, fmt.Errorf("%w: record %s vanished during start: %v", ErrSpawn, key, err)
	}
	s.metrics.StreamEvent("start")
	logger.Info("transcoder started", "pid", pid, "binary", desc.Binary(), "output_dir", outputDir)
	return &Handle{Record: updated, Process: proc}, nil
}

func (s *Supervisor) failStart(ctx context.Context, key models.StreamKey, err error) error {
	s.metrics.StreamEvent("start_failed")
	s.log(ctx, key).Error("failed to start transcoder", "error", err)
	if _, uerr := s.registry.Update(ctx, key, func(r *models.StreamRecord) {
		r.Status = models.StatusError
		r.ErrorMessage = err.Error()
	}); uerr != nil && !errors.Is(uerr, registry.ErrNotFound) {
		s.log(ctx, key).Warn("failed to mark stream as errored", "error", uerr)
	}
	return err
}

// CheckProcess classifies the process backing rec.
func (s *Supervisor) CheckProcess(ctx context.Context, pid int, binary string) (ProcessState, error) {
	if pid <= 0 {
		return ProcessDead, nil
	}
	info, err := s.inspector.Inspect(ctx, pid)
	if err != nil {
		return ProcessDead, err
	}
	return Classify(info, binary), nil
}

// IsHealthyProcess reports whether pid is alive and is the expected binary,
// which guards against a recycled pid being mistaken for the encoder.
func (s *Supervisor) IsHealthyProcess(ctx context.Context, pid int, binary string) bool {
	state, err := s.CheckProcess(ctx, pid, binary)
	return err == nil && state == ProcessAlive
}

// Inspect exposes raw process details for debugging.
func (s *Supervisor) Inspect(ctx context.Context, pid int) (ProcessInfo, error) {
	return s.inspector.Inspect(ctx, pid)
}

// Stop terminates the stream's subprocess and removes every trace of the
// stream: monitor chain, pid key, record, segments, leases and output
// directory. Stopping an absent stream succeeds.
func (s *Supervisor) Stop(ctx context.Context, key models.StreamKey) error {
	logger := s.log(ctx, key)
	if err := s.registry.DisableMonitor(ctx, key, s.monitorDisabledTTL); err != nil {
		logger.Warn("failed to disable monitor", "error", err)
	}

	rec, err := s.registry.Get(ctx, key)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return s.purge(ctx, key, "")
	case err != nil:
		return fmt.Errorf("stop %s: %w", key, err)
	}

	// A record without a pid is still spawning; Start kills its own
	// process once it finds the record gone. The shared pid key is never
	// used as a fallback because it may name a sibling variant.
	pid := rec.PID
	if pid > 0 {
		if err := s.terminate(ctx, pid, rec.Binary); err != nil {
			logger.Warn("failed to terminate transcoder", "pid", pid, "error", err)
		}
		if _, err := s.registry.ReleasePID(ctx, rec.Type, rec.SourceID, pid); err != nil {
			logger.Warn("failed to clear pid key", "error", err)
		}
	}
	if err := s.registry.Delete(ctx, key); err != nil {
		return fmt.Errorf("stop %s: %w", key, err)
	}
	s.metrics.StreamEvent("stop")
	logger.Info("stream stopped", "pid", pid)
	return s.purge(ctx, key, rec.OutputDir)
}

// terminate sends SIGTERM, waits up to the stop grace and escalates to
// SIGKILL. A pid that belongs to a different binary is left alone.
func (s *Supervisor) terminate(ctx context.Context, pid int, binary string) error {
	state, err := s.CheckProcess(ctx, pid, binary)
	if err != nil {
		return err
	}
	switch state {
	case ProcessDead:
		return nil
	case ProcessForeign:
		s.logger.Warn("pid no longer belongs to the transcoder, not signalling", "pid", pid, "binary", binary)
		return nil
	}
	if err := s.signaler.Terminate(pid); err != nil {
		return fmt.Errorf("sigterm %d: %w", pid, err)
	}
	deadline := time.NewTimer(s.stopGrace)
	defer deadline.Stop()
	poll := time.NewTicker(s.stopPoll)
	defer poll.Stop()
	for {
		select {
		case <-deadline.C:
			s.logger.Warn("transcoder ignored sigterm, killing", "pid", pid)
			return s.signaler.Kill(pid)
		case <-poll.C:
			if !s.IsHealthyProcess(ctx, pid, binary) {
				return nil
			}
		case <-ctx.Done():
			return s.signaler.Kill(pid)
		}
	}
}

// purge removes buffer keys, leases and the output directory of key.
func (s *Supervisor) purge(ctx context.Context, key models.StreamKey, outputDir string) error {
	var errs []error
	keys, err := s.store.Keys(ctx, store.SegmentPattern(key))
	if err != nil {
		errs = append(errs, err)
	}
	keys = append(keys, store.SegmentIndexKey(key))
	leases, err := s.store.Keys(ctx, store.ClientPattern(key))
	if err != nil {
		errs = append(errs, err)
	}
	keys = append(keys, leases...)
	if err := s.store.Delete(ctx, keys...); err != nil {
		errs = append(errs, err)
	}
	if outputDir == "" {
		outputDir = filepath.Join(s.bufferRoot, string(key))
	}
	if err := s.RemoveOutputDir(outputDir); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("purge %s: %w", key, err)
	}
	return nil
}

// RemoveOutputDir deletes dir when it lives under the buffer root. Paths
// outside the root belong to someone else and are left untouched.
func (s *Supervisor) RemoveOutputDir(dir string) error {
	if s.bufferRoot == "" || dir == "" {
		return nil
	}
	rel, err := filepath.Rel(s.bufferRoot, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

func (s *Supervisor) log(ctx context.Context, key models.StreamKey) *slog.Logger {
	return logging.WithContext(logging.ContextWithStreamKey(ctx, string(key)), s.logger)
}
