// Package registry is the canonical directory of active streams. It owns the
// StreamRecord keys plus the auxiliary pid, redirect and monitor-disabled keys
// that hang off a stream.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/store"
)

// ErrNotFound is returned when no record exists for a stream key.
var ErrNotFound = errors.New("registry: stream not found")

// Registry reads and writes stream records in the shared store.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New constructs a Registry on top of s.
func New(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{store: s, logger: logging.WithComponent(logger, "registry")}
}

// Store exposes the underlying store for components that share it.
func (r *Registry) Store() store.Store {
	return r.store
}

// Create stores rec only if no record exists for its key. It reports whether
// the record was written; this is the single atomic insert the engine relies
// on for deduplication.
func (r *Registry) Create(ctx context.Context, rec models.StreamRecord) (bool, error) {
	data, err := models.EncodeRecord(rec)
	if err != nil {
		return false, err
	}
	ok, err := r.store.SetNX(ctx, store.RecordKey(rec.StreamKey), data, 0)
	if err != nil {
		return false, fmt.Errorf("create stream %s: %w", rec.StreamKey, err)
	}
	return ok, nil
}

// Get loads the record for k.
func (r *Registry) Get(ctx context.Context, k models.StreamKey) (models.StreamRecord, error) {
	data, err := r.store.Get(ctx, store.RecordKey(k))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.StreamRecord{}, ErrNotFound
		}
		return models.StreamRecord{}, fmt.Errorf("get stream %s: %w", k, err)
	}
	rec, err := models.DecodeRecord(data)
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("stream %s: %w", k, err)
	}
	return rec, nil
}

// Exists reports whether a record exists for k.
func (r *Registry) Exists(ctx context.Context, k models.StreamKey) (bool, error) {
	ok, err := r.store.Exists(ctx, store.RecordKey(k))
	if err != nil {
		return false, fmt.Errorf("check stream %s: %w", k, err)
	}
	return ok, nil
}

// Update applies fn to the current record and writes it back only if the
// record still exists, so an update racing a stop never resurrects the
// stream. The read-modify-write is not atomic; fields written here are
// idempotent heartbeats and status transitions.
func (r *Registry) Update(ctx context.Context, k models.StreamKey, fn func(*models.StreamRecord)) (models.StreamRecord, error) {
	rec, err := r.Get(ctx, k)
	if err != nil {
		return models.StreamRecord{}, err
	}
	fn(&rec)
	data, err := models.EncodeRecord(rec)
	if err != nil {
		return models.StreamRecord{}, err
	}
	ok, err := r.store.SetXX(ctx, store.RecordKey(k), data, 0)
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("update stream %s: %w", k, err)
	}
	if !ok {
		return models.StreamRecord{}, ErrNotFound
	}
	return rec, nil
}

// Put overwrites the record for rec's key unconditionally. Only tests and
// operator tooling use it.
func (r *Registry) Put(ctx context.Context, rec models.StreamRecord) error {
	data, err := models.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, store.RecordKey(rec.StreamKey), data, 0); err != nil {
		return fmt.Errorf("put stream %s: %w", rec.StreamKey, err)
	}
	return nil
}

// Delete removes the record for k. Deleting an absent record is not an error.
func (r *Registry) Delete(ctx context.Context, k models.StreamKey) error {
	if err := r.store.Delete(ctx, store.RecordKey(k)); err != nil {
		return fmt.Errorf("delete stream %s: %w", k, err)
	}
	return nil
}

// Keys lists the stream keys that currently have a record.
func (r *Registry) Keys(ctx context.Context) ([]models.StreamKey, error) {
	raw, err := r.store.Keys(ctx, store.RecordPattern())
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	keys := make([]models.StreamKey, 0, len(raw))
	for _, key := range raw {
		if k, ok := store.StreamKeyFromRecordKey(key); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// List loads every record. Records that fail to decode are logged and
// skipped so one corrupt entry cannot hide the rest.
func (r *Registry) List(ctx context.Context) ([]models.StreamRecord, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]models.StreamRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := r.Get(ctx, k)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				r.logger.Warn("skipping unreadable stream record", "stream_key", k, "error", err)
			}
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// SetPID records the subprocess pid of a source.
func (r *Registry) SetPID(ctx context.Context, sourceType, sourceID string, pid int) error {
	if err := r.store.Set(ctx, store.PIDKey(sourceType, sourceID), []byte(strconv.Itoa(pid)), 0); err != nil {
		return fmt.Errorf("set pid %s/%s: %w", sourceType, sourceID, err)
	}
	return nil
}

// PID returns the recorded pid of a source, or zero when none is recorded.
func (r *Registry) PID(ctx context.Context, sourceType, sourceID string) (int, error) {
	data, err := r.store.Get(ctx, store.PIDKey(sourceType, sourceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get pid %s/%s: %w", sourceType, sourceID, err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parse pid %s/%s: %w", sourceType, sourceID, err)
	}
	return pid, nil
}

// ClearPID removes the pid key of a source.
func (r *Registry) ClearPID(ctx context.Context, sourceType, sourceID string) error {
	if err := r.store.Delete(ctx, store.PIDKey(sourceType, sourceID)); err != nil {
		return fmt.Errorf("clear pid %s/%s: %w", sourceType, sourceID, err)
	}
	return nil
}

// ReleasePID deletes the source's pid key only while it still names pid.
// Variants of one source share the key, so a stop must not drop a sibling's
// entry. It reports whether the key was removed.
func (r *Registry) ReleasePID(ctx context.Context, sourceType, sourceID string, pid int) (bool, error) {
	stored, err := r.PID(ctx, sourceType, sourceID)
	if err != nil {
		return false, err
	}
	if pid <= 0 || stored != pid {
		return false, nil
	}
	if err := r.ClearPID(ctx, sourceType, sourceID); err != nil {
		return false, err
	}
	return true, nil
}

// SetRedirect points consumers of from at to for ttl.
func (r *Registry) SetRedirect(ctx context.Context, from, to models.StreamKey, ttl time.Duration) error {
	if err := r.store.Set(ctx, store.RedirectKey(from), []byte(to), ttl); err != nil {
		return fmt.Errorf("set redirect %s -> %s: %w", from, to, err)
	}
	return nil
}

// Redirect returns the redirect target of k, if any.
func (r *Registry) Redirect(ctx context.Context, k models.StreamKey) (models.StreamKey, bool, error) {
	data, err := r.store.Get(ctx, store.RedirectKey(k))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get redirect %s: %w", k, err)
	}
	return models.StreamKey(data), true, nil
}

// Redirects lists every live redirect.
func (r *Registry) Redirects(ctx context.Context) ([]models.FailoverRedirect, error) {
	keys, err := r.store.Keys(ctx, store.RedirectPattern())
	if err != nil {
		return nil, fmt.Errorf("list redirects: %w", err)
	}
	out := make([]models.FailoverRedirect, 0, len(keys))
	for _, key := range keys {
		from := models.StreamKey(key[len(store.RedirectPrefix):])
		to, ok, err := r.Redirect(ctx, from)
		if err != nil || !ok {
			continue
		}
		out = append(out, models.FailoverRedirect{StreamKey: from, Target: to})
	}
	return out, nil
}

// ClearRedirects deletes every redirect and returns how many were removed.
func (r *Registry) ClearRedirects(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, store.RedirectPattern())
	if err != nil {
		return 0, fmt.Errorf("list redirects: %w", err)
	}
	if err := r.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("clear redirects: %w", err)
	}
	return len(keys), nil
}

// DisableMonitor sets the flag that ends k's health monitor chain.
func (r *Registry) DisableMonitor(ctx context.Context, k models.StreamKey, ttl time.Duration) error {
	if err := r.store.Set(ctx, store.MonitorDisabledKey(k), []byte("1"), ttl); err != nil {
		return fmt.Errorf("disable monitor %s: %w", k, err)
	}
	return nil
}

// EnableMonitor clears the monitor-disabled flag of k.
func (r *Registry) EnableMonitor(ctx context.Context, k models.StreamKey) error {
	if err := r.store.Delete(ctx, store.MonitorDisabledKey(k)); err != nil {
		return fmt.Errorf("enable monitor %s: %w", k, err)
	}
	return nil
}

// MonitorDisabled reports whether monitoring of k was explicitly disabled.
func (r *Registry) MonitorDisabled(ctx context.Context, k models.StreamKey) (bool, error) {
	ok, err := r.store.Exists(ctx, store.MonitorDisabledKey(k))
	if err != nil {
		return false, fmt.Errorf("check monitor flag %s: %w", k, err)
	}
	return ok, nil
}
