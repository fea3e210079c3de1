// Package operator implements the administrative operations shared by the
// streamctl CLI and the admin HTTP API.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"streamshare/internal/buffer"
	"streamshare/internal/clients"
	"streamshare/internal/health"
	"streamshare/internal/janitor"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
)

// ErrNotFound is returned when an operation names an unknown stream.
var ErrNotFound = errors.New("operator: stream not found")

// Stopper stops one stream; the engine and the supervisor both qualify.
type Stopper interface {
	Stop(ctx context.Context, key models.StreamKey) error
}

// Config wires a Service.
type Config struct {
	Registry     *registry.Registry
	Supervisor   *supervisor.Supervisor
	Stopper      Stopper
	Clients      *clients.Tracker
	Checker      *health.Checker
	Janitor      *janitor.Janitor
	Logger       *slog.Logger
	Now          func() time.Time
	StartupGrace time.Duration
}

// Service runs operator commands against the shared store.
type Service struct {
	registry     *registry.Registry
	store        store.Store
	supervisor   *supervisor.Supervisor
	stopper      Stopper
	clients      *clients.Tracker
	checker      *health.Checker
	janitor      *janitor.Janitor
	logger       *slog.Logger
	now          func() time.Time
	startupGrace time.Duration
}

// New constructs a Service. Stopper defaults to the supervisor.
func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil || cfg.Supervisor == nil || cfg.Checker == nil || cfg.Janitor == nil {
		return nil, errors.New("registry, supervisor, checker and janitor are required")
	}
	if cfg.Stopper == nil {
		cfg.Stopper = cfg.Supervisor
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
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = health.DefaultStartupGrace
	}
	return &Service{
		registry:     cfg.Registry,
		store:        cfg.Registry.Store(),
		supervisor:   cfg.Supervisor,
		stopper:      cfg.Stopper,
		clients:      cfg.Clients,
		checker:      cfg.Checker,
		janitor:      cfg.Janitor,
		logger:       logging.WithComponent(cfg.Logger, "operator"),
		now:          cfg.Now,
		startupGrace: cfg.StartupGrace,
	}, nil
}

// StreamInfo is one row of List.
type StreamInfo struct {
	Record  models.StreamRecord `json:"record"`
	Clients int                 `json:"clients"`
	Idle    time.Duration       `json:"idle_ns"`
	Age     time.Duration       `json:"age_ns"`
}

// List returns every stream with its live client count, sorted by key.
func (s *Service) List(ctx context.Context) ([]StreamInfo, error) {
	records, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]StreamInfo, 0, len(records))
	for _, rec := range records {
		count, err := s.clients.Count(ctx, rec.StreamKey)
		if err != nil {
			return nil, err
		}
		out = append(out, StreamInfo{Record: rec, Clients: count, Idle: rec.Idle(now), Age: rec.Age(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.StreamKey < out[j].Record.StreamKey })
	return out, nil
}

// Stop stops one stream. Unknown keys report ErrNotFound.
func (s *Service) Stop(ctx context.Context, key models.StreamKey) error {
	exists, err := s.registry.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := s.stopper.Stop(ctx, key); err != nil {
		return err
	}
	s.logger.Info("stream stopped by operator", "stream_key", string(key))
	return nil
}

// StopAll stops every stream and returns the keys stopped. A failure on one
// stream does not prevent stopping the others.
func (s *Service) StopAll(ctx context.Context) ([]models.StreamKey, error) {
	keys, err := s.registry.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var (
		stopped []models.StreamKey
		errs    []error
	)
	for _, key := range keys {
		if err := s.stopper.Stop(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", key, err))
			continue
		}
		stopped = append(stopped, key)
	}
	return stopped, errors.Join(errs...)
}

// Cleanup runs one janitor sweep immediately.
func (s *Service) Cleanup(ctx context.Context) (janitor.Report, error) {
	return s.janitor.Sweep(ctx)
}

// SyncReport lists what a reconcile pass repaired.
type SyncReport struct {
	StalePIDKeys  []string           `json:"stale_pid_keys"`
	DeadStreams   []models.StreamKey `json:"dead_streams"`
	OrphanLeases  int                `json:"orphan_leases"`
	OrphanIndexes []models.StreamKey `json:"orphan_indexes"`
	Errors        []string           `json:"errors,omitempty"`
}

// Changed reports whether the pass repaired anything.
func (r SyncReport) Changed() bool {
	return len(r.StalePIDKeys)+len(r.DeadStreams)+r.OrphanLeases+len(r.OrphanIndexes) > 0
}

// Sync reconciles the store with reality: pid keys without a record, records
// whose process died after its startup grace, leases and segment indexes of
// absent streams.
func (s *Service) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		report.Errors = append(report.Errors, msg)
		s.logger.Warn("sync item failed", "detail", msg)
	}

	records, err := s.registry.List(ctx)
	if err != nil {
		return report, err
	}
	live := make(map[models.StreamKey]struct{}, len(records))
	sources := make(map[string]struct{}, len(records))
	now := s.now()
	for _, rec := range records {
		live[rec.StreamKey] = struct{}{}
		sources[store.PIDKey(rec.Type, rec.SourceID)] = struct{}{}

		started := rec.StartedAt
		if started.IsZero() {
			started = rec.CreatedAt
		}
		if now.Sub(started) < s.startupGrace {
			continue
		}
		state := supervisor.ProcessDead
		if rec.PID > 0 {
			state, err = s.supervisor.CheckProcess(ctx, rec.PID, rec.Binary)
			if err != nil {
				fail("inspect %s: %v", rec.StreamKey, err)
				continue
			}
		}
		if state == supervisor.ProcessAlive {
			continue
		}
		if err := s.stopper.Stop(ctx, rec.StreamKey); err != nil {
			fail("stop dead stream %s: %v", rec.StreamKey, err)
			continue
		}
		delete(live, rec.StreamKey)
		report.DeadStreams = append(report.DeadStreams, rec.StreamKey)
	}

	pidKeys, err := s.store.Keys(ctx, store.PIDPattern())
	if err != nil {
		fail("list pid keys: %v", err)
	}
	for _, key := range pidKeys {
		if _, ok := sources[key]; ok {
			continue
		}
		if err := s.store.Delete(ctx, key); err != nil {
			fail("delete %s: %v", key, err)
			continue
		}
		report.StalePIDKeys = append(report.StalePIDKeys, key)
	}

	orphans, err := s.clients.Orphans(ctx, func(k models.StreamKey) bool {
		_, ok := live[k]
		return ok
	})
	if err != nil {
		fail("list leases: %v", err)
	}
	if len(orphans) > 0 {
		if err := s.store.Delete(ctx, orphans...); err != nil {
			fail("delete orphan leases: %v", err)
		} else {
			report.OrphanLeases = len(orphans)
		}
	}

	indexKeys, err := s.store.Keys(ctx, store.SegmentIndexPattern())
	if err != nil {
		fail("list segment indexes: %v", err)
	}
	for _, indexKey := range indexKeys {
		key, ok := store.StreamKeyFromIndexKey(indexKey)
		if !ok {
			continue
		}
		if _, alive := live[key]; alive {
			continue
		}
		segments, err := s.store.Keys(ctx, store.SegmentPattern(key))
		if err != nil {
			fail("list segments of %s: %v", key, err)
			continue
		}
		if err := s.store.Delete(ctx, append(segments, indexKey)...); err != nil {
			fail("delete index of %s: %v", key, err)
			continue
		}
		report.OrphanIndexes = append(report.OrphanIndexes, key)
	}

	s.logger.Info("sync finished",
		"dead_streams", len(report.DeadStreams),
		"stale_pid_keys", len(report.StalePIDKeys),
		"orphan_leases", report.OrphanLeases,
		"orphan_indexes", len(report.OrphanIndexes),
		"errors", len(report.Errors))
	return report, nil
}

// Stats aggregates the state of every stream.
type Stats struct {
	Streams    int                   `json:"streams"`
	ByStatus   map[models.Status]int `json:"by_status"`
	Clients    int                   `json:"clients"`
	Segments   int                   `json:"segments"`
	StoreBytes int64                 `json:"store_bytes"`
	DiskBytes  int64                 `json:"disk_bytes"`
	Redirects  int                   `json:"redirects"`
}

// Stats computes aggregate counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	records, err := s.registry.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Streams: len(records), ByStatus: make(map[models.Status]int)}
	for _, rec := range records {
		stats.ByStatus[rec.Status]++
		fp, _, err := s.janitor.Measure(ctx, rec)
		if err != nil {
			s.logger.Warn("failed to measure stream", "stream_key", string(rec.StreamKey), "error", err)
		}
		stats.Segments += fp.Segments
		stats.StoreBytes += fp.StoreBytes
		stats.DiskBytes += fp.DiskBytes
	}
	if stats.Clients, err = s.clients.Total(ctx); err != nil {
		return stats, err
	}
	redirects, err := s.registry.Redirects(ctx)
	if err != nil {
		return stats, err
	}
	stats.Redirects = len(redirects)
	return stats, nil
}

// HealthEntry is the check outcome of one stream.
type HealthEntry struct {
	StreamKey models.StreamKey `json:"stream_key"`
	Healthy   bool             `json:"healthy"`
	Reason    health.Reason    `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
}

// HealthReport covers every stream; Healthy is false if any stream is not.
type HealthReport struct {
	Healthy bool          `json:"healthy"`
	Streams []HealthEntry `json:"streams"`
}

// Health runs the health checks across all streams once.
func (s *Service) Health(ctx context.Context) (HealthReport, error) {
	records, err := s.registry.List(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	report := HealthReport{Healthy: true, Streams: make([]HealthEntry, 0, len(records))}
	for _, rec := range records {
		res := s.checker.EvaluateRecord(ctx, rec)
		report.Streams = append(report.Streams, HealthEntry{StreamKey: rec.StreamKey, Healthy: res.Healthy, Reason: res.Reason, Detail: res.Detail})
		if !res.Healthy {
			report.Healthy = false
		}
	}
	sort.Slice(report.Streams, func(i, j int) bool { return report.Streams[i].StreamKey < report.Streams[j].StreamKey })
	return report, nil
}

// DebugInfo dumps everything known about one stream.
type DebugInfo struct {
	Record          models.StreamRecord       `json:"record"`
	StoredPID       int                       `json:"stored_pid"`
	Process         supervisor.ProcessInfo    `json:"process"`
	ProcessState    string                    `json:"process_state"`
	Index           []string                  `json:"index"`
	Leases          []models.ClientLease      `json:"leases"`
	Redirect        models.StreamKey          `json:"redirect,omitempty"`
	Redirects       []models.FailoverRedirect `json:"inbound_redirects,omitempty"`
	Footprint       janitor.Footprint         `json:"footprint"`
	SegmentFiles    int                       `json:"segment_files"`
	MonitorDisabled bool                      `json:"monitor_disabled"`
	Health          health.Result             `json:"health"`
}

// Debug collects the state of one stream.
func (s *Service) Debug(ctx context.Context, key models.StreamKey) (DebugInfo, error) {
	rec, err := s.registry.Get(ctx, key)
	if errors.Is(err, registry.ErrNotFound) {
		return DebugInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return DebugInfo{}, err
	}
	info := DebugInfo{Record: rec}
	if pid, err := s.registry.PID(ctx, rec.Type, rec.SourceID); err == nil {
		info.StoredPID = pid
	}
	if rec.PID > 0 {
		if proc, err := s.supervisor.Inspect(ctx, rec.PID); err == nil {
			info.Process = proc
			info.ProcessState = supervisor.Classify(proc, rec.Binary).String()
		}
	}
	if info.Index, err = s.store.Range(ctx, store.SegmentIndexKey(key)); err != nil {
		return info, err
	}
	if info.Leases, err = s.clients.Leases(ctx, key); err != nil {
		return info, err
	}
	if target, ok, err := s.registry.Redirect(ctx, key); err == nil && ok {
		info.Redirect = target
	}
	if redirects, err := s.registry.Redirects(ctx); err == nil {
		for _, r := range redirects {
			if r.Target == key {
				info.Redirects = append(info.Redirects, r)
			}
		}
	}
	if fp, _, err := s.janitor.Measure(ctx, rec); err == nil {
		info.Footprint = fp
	}
	if rec.OutputDir != "" {
		if files, err := buffer.ListSegmentFiles(rec.OutputDir); err == nil {
			info.SegmentFiles = len(files)
		}
	}
	info.MonitorDisabled, _ = s.registry.MonitorDisabled(ctx, key)
	info.Health = s.checker.EvaluateRecord(ctx, rec)
	return info, nil
}

// ClearRedirects removes every failover redirect.
func (s *Service) ClearRedirects(ctx context.Context) (int, error) {
	return s.registry.ClearRedirects(ctx)
}

// ParseKey validates a stream key given on the command line or in a URL.
func ParseKey(raw string) (models.StreamKey, error) {
	key := models.StreamKey(strings.TrimSpace(raw))
	if err := key.Validate(); err != nil {
		return "", err
	}
	return key, nil
}
