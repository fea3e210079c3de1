package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"streamshare/internal/models"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
	"streamshare/internal/testsupport/procstub"
)

type fixture struct {
	store    *store.Memory
	registry *registry.Registry
	procs    *procstub.Launcher
	sup      *supervisor.Supervisor
	root     string
}

func newFixture(t *testing.T, mutate func(*supervisor.Config)) *fixture {
	t.Helper()
	mem := store.NewMemory()
	reg := registry.New(mem, nil)
	procs := procstub.NewLauncher()
	root := t.TempDir()
	cfg := supervisor.Config{
		Registry:   reg,
		Launcher:   procs,
		Inspector:  procs,
		Signaler:   procs,
		BufferRoot: root,
		StopGrace:  200 * time.Millisecond,
		StopPoll:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := supervisor.New(cfg)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return &fixture{store: mem, registry: reg, procs: procs, sup: sup, root: root}
}

func descriptor(id string) models.SourceDescriptor {
	return models.SourceDescriptor{
		Type:    "channel",
		ID:      id,
		Title:   "Channel " + id,
		Command: []string{"/usr/bin/ffmpeg", "-i", "udp://src/" + id, "-hls_time", "{segment_duration}", "{output_dir}/index.m3u8"},
	}
}

func TestConcurrentAcquireSpawnsOneProcess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	desc := descriptor("42")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, created, err := f.sup.Acquire(ctx, desc, models.Chain{RequestID: "req"})
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if !created {
				return
			}
			if _, err := f.sup.Start(ctx, rec, desc); err != nil {
				t.Errorf("start: %v", err)
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
	if n := len(f.procs.Launches()); n != 1 {
		t.Fatalf("expected one launch, got %d", n)
	}
	rec, err := f.registry.Get(ctx, desc.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pid, _ := f.registry.PID(ctx, "channel", "42")
	if rec.PID == 0 || pid != rec.PID {
		t.Fatalf("expected recorded pid to match pid key, record=%d key=%d", rec.PID, pid)
	}
}

func TestStartExpandsTemplateAndRecordsProcess(t *testing.T) {
	f := newFixture(t, func(cfg *supervisor.Config) { cfg.SegmentDuration = 6 * time.Second })
	ctx := context.Background()
	desc := descriptor("7")

	rec, created, err := f.sup.Acquire(ctx, desc, models.Chain{RequestID: "req-7", Index: 2})
	if err != nil || !created {
		t.Fatalf("acquire: created=%v err=%v", created, err)
	}
	if rec.Status != models.StatusStarting || rec.CandidateIndex != 2 || rec.RequestID != "req-7" {
		t.Fatalf("unexpected acquired record: %+v", rec)
	}
	handle, err := f.sup.Start(ctx, rec, desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	argv := f.procs.Launches()[0]
	outputDir := filepath.Join(f.root, "channel_7")
	if argv[4] != "6" || argv[5] != outputDir+"/index.m3u8" {
		t.Fatalf("unexpected argv: %v", argv)
	}
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		t.Fatalf("expected output dir to exist: %v", err)
	}
	if handle.Record.MonitorToken == "" || handle.Record.PID != handle.Process.Pid() || handle.Record.StartedAt.IsZero() {
		t.Fatalf("unexpected started record: %+v", handle.Record)
	}
	if !f.sup.IsHealthyProcess(ctx, handle.Record.PID, handle.Record.Binary) {
		t.Fatal("expected started process to be healthy")
	}
}

func TestStartRejectsDisallowedBinary(t *testing.T) {
	f := newFixture(t, func(cfg *supervisor.Config) { cfg.AllowedBinaries = []string{"gst-launch-1.0"} })
	ctx := context.Background()
	desc := descriptor("9")
	rec, _, err := f.sup.Acquire(ctx, desc, models.Chain{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.sup.Start(ctx, rec, desc); !errors.Is(err, supervisor.ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	if len(f.procs.Launches()) != 0 {
		t.Fatal("expected no launch for a disallowed binary")
	}
	rec, err = f.registry.Get(ctx, desc.Key())
	if err != nil || rec.Status != models.StatusError || rec.ErrorMessage == "" {
		t.Fatalf("expected errored record, got %+v (%v)", rec, err)
	}
}

func TestStopIsIdempotentAndPurgesState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	desc := descriptor("42")
	rec, _, _ := f.sup.Acquire(ctx, desc, models.Chain{})
	handle, err := f.sup.Start(ctx, rec, desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	key := desc.Key()
	_ = f.store.Set(ctx, store.SegmentKey(key, 1), []byte("seg"), time.Minute)
	_ = f.store.PushTrim(ctx, store.SegmentIndexKey(key), "1", 30)
	_ = f.store.Set(ctx, store.ClientKey(key, "viewer"), []byte("{}"), time.Minute)

	if err := f.sup.Stop(ctx, key); err != nil {
		t.Fatalf("stop: %v", err)
	}
	proc := f.procs.Process(handle.Process.Pid())
	if proc.Alive() {
		t.Fatal("expected process to be terminated")
	}
	for _, k := range []string{store.RecordKey(key), store.SegmentKey(key, 1), store.SegmentIndexKey(key), store.ClientKey(key, "viewer"), store.PIDKey("channel", "42")} {
		if ok, _ := f.store.Exists(ctx, k); ok {
			t.Fatalf("expected %s to be removed", k)
		}
	}
	if _, err := os.Stat(filepath.Join(f.root, string(key))); !os.IsNotExist(err) {
		t.Fatalf("expected output dir to be removed, got %v", err)
	}
	if disabled, _ := f.registry.MonitorDisabled(ctx, key); !disabled {
		t.Fatal("expected monitor to be disabled after stop")
	}

	if err := f.sup.Stop(ctx, key); err != nil {
		t.Fatalf("second stop should succeed, got %v", err)
	}
	if err := f.sup.Stop(ctx, "never_started"); err != nil {
		t.Fatalf("stop of unknown stream should succeed, got %v", err)
	}
}

func TestStopKeepsSiblingVariantPIDKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sd := descriptor("7")
	hd := descriptor("7")
	hd.Variant = "hd"

	sdRec, _, _ := f.sup.Acquire(ctx, sd, models.Chain{})
	sdHandle, err := f.sup.Start(ctx, sdRec, sd)
	if err != nil {
		t.Fatalf("start sd: %v", err)
	}
	hdRec, _, _ := f.sup.Acquire(ctx, hd, models.Chain{})
	hdHandle, err := f.sup.Start(ctx, hdRec, hd)
	if err != nil {
		t.Fatalf("start hd: %v", err)
	}
	hdPID := hdHandle.Process.Pid()

	if err := f.sup.Stop(ctx, sd.Key()); err != nil {
		t.Fatalf("stop sd: %v", err)
	}
	if f.procs.Process(sdHandle.Process.Pid()).Alive() {
		t.Fatal("expected the stopped variant's process to be terminated")
	}
	if !f.procs.Process(hdPID).Alive() {
		t.Fatal("sibling variant must keep running")
	}
	if pid, err := f.registry.PID(ctx, "channel", "7"); err != nil || pid != hdPID {
		t.Fatalf("expected pid key to keep sibling pid %d, got %d (%v)", hdPID, pid, err)
	}

	if err := f.sup.Stop(ctx, hd.Key()); err != nil {
		t.Fatalf("stop hd: %v", err)
	}
	if pid, _ := f.registry.PID(ctx, "channel", "7"); pid != 0 {
		t.Fatalf("expected pid key cleared by its owner, got %d", pid)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	desc := descriptor("5")
	rec, _, _ := f.sup.Acquire(ctx, desc, models.Chain{})
	handle, err := f.sup.Start(ctx, rec, desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	proc := f.procs.Process(handle.Process.Pid())
	proc.IgnoreTerm()

	if err := f.sup.Stop(ctx, desc.Key()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	terms, kills := proc.Signals()
	if terms != 1 || kills != 1 {
		t.Fatalf("expected one sigterm and one sigkill, got %d/%d", terms, kills)
	}
	if proc.Alive() {
		t.Fatal("expected process to be dead after sigkill")
	}
}

func TestRecycledPidIsNotHealthyOrSignalled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	desc := descriptor("3")
	rec, _, _ := f.sup.Acquire(ctx, desc, models.Chain{})
	handle, err := f.sup.Start(ctx, rec, desc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := handle.Process.Pid()
	f.procs.Process(pid).Exit(nil)
	f.procs.Recycle(pid, "postgres")

	state, err := f.sup.CheckProcess(ctx, pid, "ffmpeg")
	if err != nil || state != supervisor.ProcessForeign {
		t.Fatalf("expected foreign process, got %v (%v)", state, err)
	}
	if err := f.sup.Stop(ctx, desc.Key()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if terms, kills := f.procs.Process(pid).Signals(); terms != 0 || kills != 0 {
		t.Fatalf("expected no signals to a recycled pid, got %d/%d", terms, kills)
	}
}

func TestClassifyHandlesTruncatedCommNames(t *testing.T) {
	info := supervisor.ProcessInfo{Running: true, Name: "gst-launch-1.0-"}
	if got := supervisor.Classify(info, "gst-launch-1.0-custom"); got != supervisor.ProcessAlive {
		t.Fatalf("expected truncated comm name to match, got %v", got)
	}
	info.Zombie = true
	if got := supervisor.Classify(info, "gst-launch-1.0-custom"); got != supervisor.ProcessDead {
		t.Fatalf("expected zombie to classify as dead, got %v", got)
	}
}
