package health

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamshare/internal/models"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
)

type fakeProcesses struct {
	mu     sync.Mutex
	states map[int]supervisor.ProcessState
	panics bool
}

func (f *fakeProcesses) CheckProcess(_ context.Context, pid int, _ string) (supervisor.ProcessState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("inspector exploded")
	}
	return f.states[pid], nil
}

func (f *fakeProcesses) set(pid int, state supervisor.ProcessState) {
	f.mu.Lock()
	f.states[pid] = state
	f.mu.Unlock()
}

type fixture struct {
	registry *registry.Registry
	procs    *fakeProcesses
	checker  *Checker
	now      time.Time
	dir      string
}

func newFixture(t *testing.T, segmentDuration time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		registry: registry.New(store.NewMemory(), nil),
		procs:    &fakeProcesses{states: make(map[int]supervisor.ProcessState)},
		now:      time.Now(),
		dir:      t.TempDir(),
	}
	checker, err := NewChecker(CheckerConfig{
		Registry:        f.registry,
		Processes:       f.procs,
		Now:             func() time.Time { return f.now },
		StartupGrace:    20 * time.Second,
		SegmentDuration: segmentDuration,
	})
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	f.checker = checker
	return f
}

func (f *fixture) put(t *testing.T, key models.StreamKey, pid int, startedAgo time.Duration) models.StreamRecord {
	t.Helper()
	dir := filepath.Join(f.dir, string(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	started := f.now.Add(-startedAgo)
	rec := models.StreamRecord{
		StreamKey:    key,
		Status:       models.StatusActive,
		Type:         "channel",
		SourceID:     string(key),
		PID:          pid,
		Binary:       "ffmpeg",
		CreatedAt:    started,
		StartedAt:    started,
		LastActivity: started,
		OutputDir:    dir,
		MonitorToken: "token-" + string(key),
	}
	if err := f.registry.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.procs.set(pid, supervisor.ProcessAlive)
	return rec
}

func writeSegment(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("ts"), 0o644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestEvaluateChecksInOrder(t *testing.T) {
	f := newFixture(t, 4*time.Second)
	ctx := context.Background()

	if res := f.checker.Evaluate(ctx, "missing"); res.Healthy || res.Reason != ReasonRecordMissing {
		t.Fatalf("expected record_missing, got %+v", res)
	}

	rec := f.put(t, "dead", 10, time.Minute)
	f.procs.set(10, supervisor.ProcessDead)
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Reason != ReasonProcessDead {
		t.Fatalf("expected process_dead, got %+v", res)
	}

	rec = f.put(t, "foreign", 11, time.Minute)
	f.procs.set(11, supervisor.ProcessForeign)
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Reason != ReasonWrongBinary {
		t.Fatalf("expected wrong_binary, got %+v", res)
	}

	rec = f.put(t, "nodir", 12, time.Minute)
	if err := os.RemoveAll(rec.OutputDir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Reason != ReasonOutputDirMissing {
		t.Fatalf("expected output_dir_missing, got %+v", res)
	}
}

func TestEvaluateToleratesStartupGrace(t *testing.T) {
	f := newFixture(t, 4*time.Second)
	ctx := context.Background()

	rec := f.put(t, "young", 20, 5*time.Second)
	res := f.checker.Evaluate(ctx, rec.StreamKey)
	if !res.Healthy || res.Reason != ReasonStartupGrace {
		t.Fatalf("expected healthy within grace, got %+v", res)
	}

	rec = f.put(t, "old", 21, 25*time.Second)
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Healthy || res.Reason != ReasonNoSegments {
		t.Fatalf("expected no_segments after grace, got %+v", res)
	}
}

func TestEvaluateFreshnessThreshold(t *testing.T) {
	f := newFixture(t, 4*time.Second)
	ctx := context.Background()
	rec := f.put(t, "fresh", 30, time.Minute)

	writeSegment(t, rec.OutputDir, "segment_000001.ts", f.now.Add(-30*time.Second))
	writeSegment(t, rec.OutputDir, "segment_000002.ts", f.now.Add(-11*time.Second))
	if res := f.checker.Evaluate(ctx, rec.StreamKey); !res.Healthy || res.Reason != ReasonHealthy {
		t.Fatalf("expected healthy with 11s old segment, got %+v", res)
	}

	f.now = f.now.Add(2 * time.Second)
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Healthy || res.Reason != ReasonStalled {
		t.Fatalf("expected stalled with 13s old segment, got %+v", res)
	}
}

func TestEvaluateIgnoresSegmentsFromEarlierRun(t *testing.T) {
	f := newFixture(t, 4*time.Second)
	ctx := context.Background()
	rec := f.put(t, "restarted", 31, 2*time.Second)
	writeSegment(t, rec.OutputDir, "index0.ts", f.now.Add(-time.Hour))

	if res := f.checker.Evaluate(ctx, rec.StreamKey); !res.Healthy || res.Reason != ReasonStartupGrace {
		t.Fatalf("expected startup grace despite a leftover segment, got %+v", res)
	}

	f.now = f.now.Add(25 * time.Second)
	if res := f.checker.Evaluate(ctx, rec.StreamKey); res.Healthy || res.Reason != ReasonNoSegments {
		t.Fatalf("expected no segments after grace, got %+v", res)
	}

	writeSegment(t, rec.OutputDir, "index1.ts", f.now.Add(-time.Second))
	if res := f.checker.Evaluate(ctx, rec.StreamKey); !res.Healthy || res.Reason != ReasonHealthy {
		t.Fatalf("expected healthy once the current run writes, got %+v", res)
	}
}

type failureCall struct {
	chain  models.Chain
	key    models.StreamKey
	result Result
}

func newMonitor(t *testing.T, f *fixture, calls chan<- failureCall) *Monitor {
	t.Helper()
	m, err := NewMonitor(MonitorConfig{
		Checker:  f.checker,
		Registry: f.registry,
		Interval: 10 * time.Millisecond,
		OnFailure: func(_ context.Context, chain models.Chain, key models.StreamKey, result Result) {
			calls <- failureCall{chain: chain, key: key, result: result}
		},
	})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestMonitorReschedulesWhileHealthyAndFailsOver(t *testing.T) {
	f := newFixture(t, time.Hour)
	calls := make(chan failureCall, 4)
	m := newMonitor(t, f, calls)

	rec := f.put(t, "ch-42", 42, time.Minute)
	writeSegment(t, rec.OutputDir, "segment_000001.ts", time.Now())
	chain := models.Chain{RequestID: "req-1", Candidates: []models.SourceRef{{Type: "channel", ID: "42"}, {Type: "channel", ID: "43"}}}
	m.Watch(rec.StreamKey, chain, rec.MonitorToken)

	time.Sleep(60 * time.Millisecond)
	if !m.Watching(rec.StreamKey) {
		t.Fatal("expected healthy chain to keep rescheduling")
	}
	select {
	case call := <-calls:
		t.Fatalf("unexpected failure %+v", call)
	default:
	}

	f.procs.set(42, supervisor.ProcessDead)
	select {
	case call := <-calls:
		if call.key != rec.StreamKey || call.result.Reason != ReasonProcessDead || call.chain.RequestID != "req-1" || call.chain.Index != 0 {
			t.Fatalf("unexpected failure call %+v", call)
		}
	case <-time.After(time.Second):
		t.Fatal("expected failure handler to run")
	}
	if m.Watching(rec.StreamKey) {
		t.Fatal("expected failed chain to end")
	}
	select {
	case call := <-calls:
		t.Fatalf("failure handler ran twice: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorStopsWhenDisabled(t *testing.T) {
	f := newFixture(t, time.Hour)
	calls := make(chan failureCall, 1)
	m := newMonitor(t, f, calls)

	rec := f.put(t, "ch-1", 1, time.Second)
	if err := f.registry.DisableMonitor(context.Background(), rec.StreamKey, time.Minute); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// Even a missing record must not fail over once disabled.
	if err := f.registry.Delete(context.Background(), rec.StreamKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	m.Watch(rec.StreamKey, models.Chain{}, rec.MonitorToken)

	deadline := time.Now().Add(time.Second)
	for m.Watching(rec.StreamKey) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Watching(rec.StreamKey) {
		t.Fatal("expected disabled chain to end")
	}
	select {
	case call := <-calls:
		t.Fatalf("unexpected failover for disabled stream: %+v", call)
	default:
	}
}

func TestMonitorEndsStaleChainQuietly(t *testing.T) {
	f := newFixture(t, time.Hour)
	calls := make(chan failureCall, 1)
	m := newMonitor(t, f, calls)

	rec := f.put(t, "ch-2", 2, time.Second)
	m.Watch(rec.StreamKey, models.Chain{}, "previous-token")

	deadline := time.Now().Add(time.Second)
	for m.Watching(rec.StreamKey) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Watching(rec.StreamKey) {
		t.Fatal("expected stale chain to end")
	}
	if len(calls) != 0 {
		t.Fatal("stale chain must not trigger failover")
	}
}

func TestMonitorRecoversFromPanickingTick(t *testing.T) {
	f := newFixture(t, time.Hour)
	calls := make(chan failureCall, 1)
	m := newMonitor(t, f, calls)

	rec := f.put(t, "ch-3", 3, time.Second)
	f.procs.mu.Lock()
	f.procs.panics = true
	f.procs.mu.Unlock()
	m.Watch(rec.StreamKey, models.Chain{}, rec.MonitorToken)

	deadline := time.Now().Add(time.Second)
	for m.Watching(rec.StreamKey) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Watching(rec.StreamKey) {
		t.Fatal("expected crashed chain to end")
	}
	if len(calls) != 0 {
		t.Fatal("crashed tick must not trigger failover")
	}
}
