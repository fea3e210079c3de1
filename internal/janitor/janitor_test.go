package janitor_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"streamshare/internal/clients"
	"streamshare/internal/janitor"
	"streamshare/internal/models"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
	"streamshare/internal/testsupport/procstub"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *clock
	store    *store.Memory
	registry *registry.Registry
	clients  *clients.Tracker
	procs    *procstub.Launcher
	sup      *supervisor.Supervisor
	janitor  *janitor.Janitor
	root     string
}

func newFixture(t *testing.T, mutate func(*janitor.Config)) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: time.Now()}, procs: procstub.NewLauncher(), root: t.TempDir()}
	f.store = store.NewMemoryWithClock(f.clock.Now)
	f.registry = registry.New(f.store, nil)
	f.clients = clients.New(f.store, time.Hour, f.clock.Now)
	sup, err := supervisor.New(supervisor.Config{
		Registry:   f.registry,
		Launcher:   f.procs,
		Inspector:  f.procs,
		Signaler:   f.procs,
		BufferRoot: f.root,
		Now:        f.clock.Now,
		StopGrace:  100 * time.Millisecond,
		StopPoll:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	f.sup = sup
	cfg := janitor.Config{
		Registry:   f.registry,
		Clients:    f.clients,
		Stopper:    sup,
		Now:        f.clock.Now,
		BufferRoot: f.root,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	j, err := janitor.New(cfg)
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	f.janitor = j
	return f
}

// start launches a stream and back-dates its timestamps.
func (f *fixture) start(t *testing.T, id string, createdAgo, idleFor time.Duration) models.StreamRecord {
	t.Helper()
	ctx := context.Background()
	desc := models.SourceDescriptor{Type: "channel", ID: id, Command: []string{"ffmpeg", "-i", "udp://src/" + id, "{output_dir}/index.m3u8"}}
	rec, created, err := f.sup.Acquire(ctx, desc, models.Chain{RequestID: "req-" + id})
	if err != nil || !created {
		t.Fatalf("acquire %s: created=%v err=%v", id, created, err)
	}
	if _, err := f.sup.Start(ctx, rec, desc); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	now := f.clock.Now()
	updated, err := f.registry.Update(ctx, rec.StreamKey, func(r *models.StreamRecord) {
		r.Status = models.StatusActive
		r.CreatedAt = now.Add(-createdAgo)
		r.StartedAt = now.Add(-createdAgo)
		r.LastActivity = now.Add(-idleFor)
	})
	if err != nil {
		t.Fatalf("backdate %s: %v", id, err)
	}
	return updated
}

func (f *fixture) exists(t *testing.T, key models.StreamKey) bool {
	t.Helper()
	ok, err := f.registry.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	return ok
}

func TestSweepReclaimsIdleStreamWithoutClients(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.start(t, "10", 300*time.Second, 700*time.Second)

	report, err := f.janitor.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if f.exists(t, rec.StreamKey) {
		t.Fatal("expected channel_10 to be reclaimed")
	}
	if len(report.Reclaimed) != 1 || report.Reclaimed[0] != rec.StreamKey {
		t.Fatalf("unexpected reclaimed list %v", report.Reclaimed)
	}
	if len(f.procs.Alive()) != 0 {
		t.Fatalf("expected transcoder to be stopped, alive: %v", f.procs.Alive())
	}
	if _, err := os.Stat(rec.OutputDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected output directory to be removed, stat err %v", err)
	}
}

func TestReclaimSparesYoungAndWatchedStreams(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	young := f.start(t, "1", 60*time.Second, 700*time.Second)
	watched := f.start(t, "2", 300*time.Second, 700*time.Second)
	stuck := f.start(t, "3", 5*time.Hour, 2000*time.Second)
	if _, err := f.clients.Attach(ctx, watched.StreamKey, "viewer"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := f.clients.Attach(ctx, stuck.StreamKey, "stale-viewer"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	report, err := f.janitor.Reclaim(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !f.exists(t, young.StreamKey) {
		t.Fatal("stream inside its starting window must not be reclaimed")
	}
	if !f.exists(t, watched.StreamKey) {
		t.Fatal("stream with a viewer must not be reclaimed")
	}
	if f.exists(t, stuck.StreamKey) {
		t.Fatal("stuck stream must be reclaimed despite a lease")
	}
	if len(report.Reclaimed) != 1 {
		t.Fatalf("expected one reclaimed stream, got %v", report.Reclaimed)
	}
}

func TestShouldReclaimBoundaries(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	cases := []struct {
		name    string
		created time.Duration
		idle    time.Duration
		clients int
		want    bool
	}{
		{"idle and old", 121 * time.Second, 601 * time.Second, 0, true},
		{"idle exactly at threshold", 300 * time.Second, 600 * time.Second, 0, false},
		{"age exactly at floor", 120 * time.Second, 700 * time.Second, 0, false},
		{"watched", 300 * time.Second, 700 * time.Second, 1, false},
		{"stuck with lease", 14401 * time.Second, 1801 * time.Second, 3, true},
		{"long running but active", 14401 * time.Second, 10 * time.Second, 0, false},
	}
	for _, tc := range cases {
		rec := models.StreamRecord{
			CreatedAt:    now.Add(-tc.created),
			StartedAt:    now.Add(-tc.created),
			LastActivity: now.Add(-tc.idle),
		}
		if got := f.janitor.ShouldReclaim(rec, tc.clients, now); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func (f *fixture) putSegments(t *testing.T, key models.StreamKey, count, size int, ttl time.Duration) {
	t.Helper()
	ctx := context.Background()
	for i := 1; i <= count; i++ {
		payload := make([]byte, size)
		if err := f.store.Set(ctx, store.SegmentKey(key, int64(i)), payload, ttl); err != nil {
			t.Fatalf("set segment: %v", err)
		}
		if err := f.store.PushTrim(ctx, store.SegmentIndexKey(key), strconv.Itoa(i), 30); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

func (f *fixture) putRecord(t *testing.T, key models.StreamKey, outputDir string) {
	t.Helper()
	now := f.clock.Now()
	rec := models.StreamRecord{
		StreamKey:    key,
		Status:       models.StatusActive,
		Type:         "channel",
		SourceID:     string(key),
		CreatedAt:    now,
		LastActivity: now,
		OutputDir:    outputDir,
	}
	if err := f.registry.Put(context.Background(), rec); err != nil {
		t.Fatalf("put record: %v", err)
	}
}

func TestEvictTrimsStreamOverCapOldestFirst(t *testing.T) {
	f := newFixture(t, func(cfg *janitor.Config) {
		cfg.StreamCap = 3000
		cfg.StreamTarget = 1500
	})
	f.putRecord(t, "channel_big", "")
	f.putSegments(t, "channel_big", 5, 1000, time.Minute)

	report, err := f.janitor.Evict(context.Background())
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	index, _ := f.store.Range(context.Background(), store.SegmentIndexKey("channel_big"))
	if len(index) != 1 || index[0] != "5" {
		t.Fatalf("expected only the newest segment to remain, got %v", index)
	}
	if report.EvictedSegments != 4 || report.EvictedBytes != 4000 || report.FootprintAfter != 1000 {
		t.Fatalf("unexpected report %+v", report)
	}
	if ok, _ := f.store.Exists(context.Background(), store.SegmentKey("channel_big", 1)); ok {
		t.Fatal("expected oldest payload to be deleted")
	}
}

func TestEvictPrunesExpiredIndexEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.putRecord(t, "channel_old", "")
	f.putSegments(t, "channel_old", 3, 10, 300*time.Second)
	f.clock.Advance(301 * time.Second)

	report, err := f.janitor.Evict(context.Background())
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if report.PrunedIndex != 3 {
		t.Fatalf("expected 3 pruned entries, got %d", report.PrunedIndex)
	}
	index, _ := f.store.Range(context.Background(), store.SegmentIndexKey("channel_old"))
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %v", index)
	}
}

func TestEvictBringsGlobalUsageUnderTarget(t *testing.T) {
	f := newFixture(t, func(cfg *janitor.Config) {
		cfg.GlobalCap = 10_000
		cfg.GlobalRatio = 0.8
	})
	base := f.clock.Now().Add(-time.Hour)
	for s := 0; s < 3; s++ {
		key := models.StreamKey(fmt.Sprintf("channel_%d", s))
		dir := filepath.Join(f.root, string(key))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for i := 0; i < 4; i++ {
			path := filepath.Join(dir, fmt.Sprintf("segment_%06d.ts", i))
			if err := os.WriteFile(path, make([]byte, 1000), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			mod := base.Add(time.Duration(i*3+s) * time.Second)
			if err := os.Chtimes(path, mod, mod); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
		f.putRecord(t, key, dir)
	}

	report, err := f.janitor.Evict(context.Background())
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if report.FootprintBefore != 12_000 {
		t.Fatalf("expected 12000 bytes before, got %d", report.FootprintBefore)
	}
	if report.FootprintAfter > f.janitor.GlobalTarget() {
		t.Fatalf("expected footprint <= %d, got %d", f.janitor.GlobalTarget(), report.FootprintAfter)
	}
	for s := 0; s < 3; s++ {
		oldest := filepath.Join(f.root, fmt.Sprintf("channel_%d", s), "segment_000000.ts")
		if _, err := os.Stat(oldest); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected oldest file of stream %d to be evicted first", s)
		}
		newest := filepath.Join(f.root, fmt.Sprintf("channel_%d", s), "segment_000003.ts")
		if _, err := os.Stat(newest); err != nil {
			t.Fatalf("expected newest file of stream %d to survive: %v", s, err)
		}
	}
}

func TestSweepRemovesOrphansAndStaleTempFiles(t *testing.T) {
	tempDir := t.TempDir()
	f := newFixture(t, func(cfg *janitor.Config) { cfg.TempDir = tempDir })
	ctx := context.Background()

	kept := filepath.Join(f.root, "channel_live")
	orphan := filepath.Join(f.root, "channel_gone")
	for _, dir := range []string{kept, orphan} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	f.putRecord(t, "channel_live", kept)

	old := f.clock.Now().Add(-2 * time.Hour)
	staleTmp := filepath.Join(kept, "segment_000009.ts.tmp")
	freshTmp := filepath.Join(kept, "segment_000010.ts.tmp")
	dailyOld := filepath.Join(tempDir, "upload.bin")
	for _, path := range []string{staleTmp, freshTmp, dailyOld} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	for _, path := range []string{staleTmp, dailyOld} {
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	report, err := f.janitor.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected orphaned directory to be removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("live directory must survive: %v", err)
	}
	if _, err := os.Stat(staleTmp); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected stale temp file to be removed")
	}
	if _, err := os.Stat(freshTmp); err != nil {
		t.Fatalf("fresh temp file must survive: %v", err)
	}
	if len(report.OrphanDirs) != 1 || report.TempFiles != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := os.Stat(dailyOld); err != nil {
		t.Fatal("frequent sweep must not touch the temp directory")
	}

	f.clock.Advance(23 * time.Hour)
	if _, err := f.janitor.DailySweep(ctx); err != nil {
		t.Fatalf("daily sweep: %v", err)
	}
	if _, err := os.Stat(dailyOld); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected daily sweep to remove day-old temp file")
	}
}

type failingStopper struct {
	sup  *supervisor.Supervisor
	fail models.StreamKey
}

func (s failingStopper) Stop(ctx context.Context, key models.StreamKey) error {
	if key == s.fail {
		return errors.New("stop exploded")
	}
	return s.sup.Stop(ctx, key)
}

func TestReclaimContinuesPastFailingStream(t *testing.T) {
	f := newFixture(t, nil)
	bad := f.start(t, "7", 300*time.Second, 700*time.Second)
	good := f.start(t, "8", 300*time.Second, 700*time.Second)
	j, err := janitor.New(janitor.Config{
		Registry: f.registry,
		Clients:  f.clients,
		Stopper:  failingStopper{sup: f.sup, fail: bad.StreamKey},
		Now:      f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	report, err := j.Reclaim(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if report.Errors != 1 || len(report.Reclaimed) != 1 || report.Reclaimed[0] != good.StreamKey {
		t.Fatalf("unexpected report %+v", report)
	}
}
