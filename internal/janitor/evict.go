package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"streamshare/internal/buffer"
	"streamshare/internal/models"
	"streamshare/internal/store"
)

// Footprint is the storage one stream occupies in the store and on disk.
type Footprint struct {
	StreamKey  models.StreamKey `json:"stream_key"`
	OutputDir  string           `json:"output_dir,omitempty"`
	Segments   int              `json:"segments"`
	StoreBytes int64            `json:"store_bytes"`
	DiskBytes  int64            `json:"disk_bytes"`
}

// Total is the combined footprint.
func (f Footprint) Total() int64 {
	return f.StoreBytes + f.DiskBytes
}

// piece is one evictable unit: a disk file or a stored segment payload.
type piece struct {
	key  models.StreamKey
	path string
	raw  string
	seq  int64
	size int64
	mod  time.Time
}

func (p piece) onDisk() bool { return p.path != "" }

type streamUsage struct {
	footprint Footprint
	disk      []piece
	stored    []piece
}

// Measure computes the footprint of one stream and drops index entries whose
// payload has expired.
func (j *Janitor) Measure(ctx context.Context, rec models.StreamRecord) (Footprint, int, error) {
	usage, pruned, err := j.measure(ctx, rec)
	return usage.footprint, pruned, err
}

func (j *Janitor) measure(ctx context.Context, rec models.StreamRecord) (streamUsage, int, error) {
	key := rec.StreamKey
	usage := streamUsage{footprint: Footprint{StreamKey: key, OutputDir: rec.OutputDir}}
	indexKey := store.SegmentIndexKey(key)
	index, err := j.store.Range(ctx, indexKey)
	if err != nil {
		return usage, 0, fmt.Errorf("read index %s: %w", key, err)
	}
	pruned := 0
	for _, raw := range index {
		seq, perr := store.ParseSequence(raw)
		size, serr := j.store.Size(ctx, store.SegmentKey(key, seq))
		if serr != nil {
			return usage, pruned, serr
		}
		if perr != nil || size == 0 {
			if err := j.store.ListRemove(ctx, indexKey, raw); err != nil {
				return usage, pruned, err
			}
			pruned++
			continue
		}
		usage.stored = append(usage.stored, piece{key: key, raw: raw, seq: seq, size: size})
		usage.footprint.StoreBytes += size
	}
	usage.footprint.Segments = len(usage.stored)

	if rec.OutputDir != "" {
		size, err := buffer.DirSize(rec.OutputDir)
		if err != nil {
			return usage, pruned, fmt.Errorf("measure %s: %w", rec.OutputDir, err)
		}
		usage.footprint.DiskBytes = size
		files, err := buffer.ListSegmentFiles(rec.OutputDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return usage, pruned, fmt.Errorf("list %s: %w", rec.OutputDir, err)
		}
		for _, f := range files {
			usage.disk = append(usage.disk, piece{key: key, path: f.Path, size: f.Size, mod: f.ModTime})
		}
	}
	return usage, pruned, nil
}

// Evict prunes expired index entries, trims each stream over its cap down to
// its target and then trims globally when the total exceeds the global cap.
// Disk files go before stored payloads, oldest first in each.
func (j *Janitor) Evict(ctx context.Context) (Report, error) {
	var report Report
	records, err := j.registry.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list streams: %w", err)
	}
	usages := make([]*streamUsage, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		usage, pruned, err := j.measure(ctx, rec)
		report.PrunedIndex += pruned
		if err != nil {
			report.Errors++
			j.logger.Warn("failed to measure stream", "stream_key", string(rec.StreamKey), "error", err)
			continue
		}
		report.FootprintBefore += usage.footprint.Total()
		if usage.footprint.Total() > j.streamCap {
			j.trim(ctx, &report, []*streamUsage{&usage}, j.streamTarget)
		}
		usages = append(usages, &usage)
	}

	var total int64
	for _, u := range usages {
		total += u.footprint.Total()
	}
	if total > j.globalCap {
		j.logger.Warn("buffer storage over global cap, trimming", "total", total, "cap", j.globalCap)
		j.trim(ctx, &report, usages, j.GlobalTarget())
		total = 0
		for _, u := range usages {
			total += u.footprint.Total()
		}
	}
	report.FootprintAfter = total
	j.metrics.Evicted(report.EvictedBytes)
	return report, nil
}

// trim removes pieces across usages until their combined footprint is at or
// below target.
func (j *Janitor) trim(ctx context.Context, report *Report, usages []*streamUsage, target int64) {
	byKey := make(map[models.StreamKey]*streamUsage, len(usages))
	var total int64
	var disk, stored []piece
	for _, u := range usages {
		byKey[u.footprint.StreamKey] = u
		total += u.footprint.Total()
		disk = append(disk, u.disk...)
		stored = append(stored, u.stored...)
	}
	sort.SliceStable(disk, func(a, b int) bool { return disk[a].mod.Before(disk[b].mod) })
	sort.SliceStable(stored, func(a, b int) bool { return stored[a].seq < stored[b].seq })

	for _, p := range append(disk, stored...) {
		if total <= target || ctx.Err() != nil {
			break
		}
		if err := j.removePiece(ctx, p); err != nil {
			report.Errors++
			j.logger.Warn("failed to evict segment", "stream_key", string(p.key), "error", err)
			continue
		}
		total -= p.size
		report.EvictedSegments++
		report.EvictedBytes += p.size
		u := byKey[p.key]
		if p.onDisk() {
			u.footprint.DiskBytes -= p.size
			u.disk = dropPiece(u.disk, p)
		} else {
			u.footprint.StoreBytes -= p.size
			u.footprint.Segments--
			u.stored = dropPiece(u.stored, p)
		}
	}
}

func (j *Janitor) removePiece(ctx context.Context, p piece) error {
	if p.onDisk() {
		if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := j.store.ListRemove(ctx, store.SegmentIndexKey(p.key), p.raw); err != nil {
		return err
	}
	return j.store.Delete(ctx, store.SegmentKey(p.key, p.seq))
}

func dropPiece(pieces []piece, p piece) []piece {
	for i := range pieces {
		if pieces[i].path == p.path && pieces[i].raw == p.raw {
			return append(pieces[:i], pieces[i+1:]...)
		}
	}
	return pieces
}

// RemoveOrphans deletes directories under the buffer root that no stream
// record points at.
func (j *Janitor) RemoveOrphans(ctx context.Context) ([]string, int) {
	if j.bufferRoot == "" {
		return nil, 0
	}
	entries, err := os.ReadDir(j.bufferRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0
		}
		j.logger.Warn("failed to read buffer root", "path", j.bufferRoot, "error", err)
		return nil, 1
	}
	live := make(map[string]struct{})
	records, err := j.registry.List(ctx)
	if err != nil {
		j.logger.Warn("failed to list streams, skipping orphan sweep", "error", err)
		return nil, 1
	}
	for _, rec := range records {
		live[string(rec.StreamKey)] = struct{}{}
		if rec.OutputDir != "" {
			live[filepath.Clean(rec.OutputDir)] = struct{}{}
		}
	}
	var removed []string
	failures := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(j.bufferRoot, entry.Name())
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		if _, ok := live[path]; ok {
			continue
		}
		// Re-check right before deleting; a stream may have started since
		// the listing.
		if exists, err := j.registry.Exists(ctx, models.StreamKey(entry.Name())); err != nil || exists {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			failures++
			j.logger.Warn("failed to remove orphaned buffer directory", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
		j.logger.Info("removed orphaned buffer directory", "path", path)
	}
	j.metrics.OrphansRemoved(len(removed))
	return removed, failures
}

var tempSuffixes = []string{".tmp", ".part", ".partial", "~"}

func isTempFile(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp")
}

// removeTempFiles deletes temp files under the buffer root older than the
// frequent threshold. The daily sweep also deletes every file in the temp
// directory older than the daily threshold.
func (j *Janitor) removeTempFiles(ctx context.Context, daily bool) (int, int) {
	now := j.now()
	removed, failures := 0, 0
	sweep := func(root string, maxAge time.Duration, match func(string) bool) {
		if root == "" {
			return
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					failures++
					j.logger.Warn("failed to walk temp files", "path", path, "error", err)
				}
				return nil
			}
			if d.IsDir() || !match(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil || now.Sub(info.ModTime()) <= maxAge {
				return nil
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				failures++
				j.logger.Warn("failed to remove temp file", "path", path, "error", err)
				return nil
			}
			removed++
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			failures++
		}
	}
	sweep(j.bufferRoot, j.tempMaxAge, isTempFile)
	if daily {
		sweep(j.tempDir, j.dailyTempMaxAge, func(string) bool { return true })
	}
	return removed, failures
}
