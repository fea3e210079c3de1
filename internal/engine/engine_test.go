package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"streamshare/internal/buffer"
	"streamshare/internal/clients"
	"streamshare/internal/engine"
	"streamshare/internal/failover"
	"streamshare/internal/health"
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
	monitor  *health.Monitor
	clients  *clients.Tracker
	engine   *engine.Engine
}

func channel(id string) models.SourceDescriptor {
	return models.SourceDescriptor{Type: "channel", ID: id, Command: []string{"ffmpeg", "-i", "udp://src/" + id, "{output_dir}/index.m3u8"}}
}

func refs(ids ...string) []models.SourceRef {
	out := make([]models.SourceRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.SourceRef{Type: "channel", ID: id})
	}
	return out
}

func newFixture(t *testing.T, catalog *failover.Catalog) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), procs: procstub.NewLauncher()}
	f.registry = registry.New(f.store, nil)
	sup, err := supervisor.New(supervisor.Config{
		Registry:   f.registry,
		Launcher:   f.procs,
		Inspector:  f.procs,
		Signaler:   f.procs,
		BufferRoot: t.TempDir(),
		StopGrace:  50 * time.Millisecond,
		StopPoll:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	f.sup = sup
	buffers, err := buffer.New(buffer.Config{Registry: f.registry, ChunkSize: 4, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new buffers: %v", err)
	}
	checker, err := health.NewChecker(health.CheckerConfig{Registry: f.registry, Processes: sup})
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	monitor, err := health.NewMonitor(health.MonitorConfig{Checker: checker, Registry: f.registry, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	f.monitor = monitor
	f.clients = clients.New(f.store, time.Minute, nil)
	eng, err := engine.New(engine.Config{
		Registry:   f.registry,
		Supervisor: sup,
		Buffers:    buffers,
		Clients:    f.clients,
		Monitor:    monitor,
		Resolver:   catalog,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = eng
	t.Cleanup(eng.Shutdown)
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func (f *fixture) status(key models.StreamKey) models.Status {
	rec, err := f.registry.Get(context.Background(), key)
	if err != nil {
		return ""
	}
	return rec.Status
}

func TestKilledStreamFailsOverToNextCandidate(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("42"), channel("43")))
	ctx := context.Background()

	session, err := f.engine.Open(ctx, engine.OpenRequest{RequestID: "req-1", ClientID: "viewer", Candidates: refs("42", "43")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if session.StreamKey != "channel_42" {
		t.Fatalf("expected channel_42, got %s", session.StreamKey)
	}
	first := f.procs.Find("udp://src/42")
	if first == nil {
		t.Fatal("expected transcoder for 42")
	}
	if err := f.procs.Kill(first.Pid()); err != nil {
		t.Fatalf("kill: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return f.status("channel_42") == "" && f.procs.Find("udp://src/43") != nil
	}, "failover to channel_43")

	second := f.procs.Find("udp://src/43")
	go func() { _ = second.Write([]byte("ts-payload")) }()
	waitFor(t, time.Second, func() bool { return f.status("channel_43") == models.StatusActive }, "channel_43 active")

	rec, err := f.registry.Get(ctx, "channel_43")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.RequestID != "req-1" || rec.CandidateIndex != 1 {
		t.Fatalf("expected chain to continue from index 1, got %+v", rec)
	}
	if !f.monitor.Watching("channel_43") {
		t.Fatal("expected a fresh monitor chain for channel_43")
	}

	resolved, err := f.engine.Resolve(ctx, "channel_42")
	if err != nil || resolved != "channel_43" {
		t.Fatalf("expected redirect to channel_43, got %q %v", resolved, err)
	}
	poll, err := f.engine.Poll(ctx, "channel_42", "viewer", 17)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !poll.Redirected || poll.StreamKey != "channel_43" || len(poll.Segments) == 0 {
		t.Fatalf("unexpected poll result %+v", poll)
	}
	if n, _ := f.clients.Count(ctx, "channel_43"); n != 1 {
		t.Fatalf("expected lease to move to channel_43, got %d", n)
	}
}

func TestOpenJoinsExistingStream(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("5")))
	ctx := context.Background()
	for _, client := range []string{"a", "b"} {
		if _, err := f.engine.Open(ctx, engine.OpenRequest{ClientID: client, Candidates: refs("5")}); err != nil {
			t.Fatalf("open %s: %v", client, err)
		}
	}
	if n := len(f.procs.Launches()); n != 1 {
		t.Fatalf("expected one transcoder, got %d", n)
	}
	if n, _ := f.clients.Count(ctx, "channel_5"); n != 2 {
		t.Fatalf("expected 2 leases, got %d", n)
	}
	if err := f.engine.Close(ctx, "channel_5", "a"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n, _ := f.clients.Count(ctx, "channel_5"); n != 1 {
		t.Fatalf("expected 1 lease after close, got %d", n)
	}
}

func TestOpenSkipsFailingCandidate(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("1"), channel("2")))
	f.procs.FailWhen(func(argv []string) error {
		if argv[2] == "udp://src/1" {
			return errors.New("exec: no such file")
		}
		return nil
	})
	session, err := f.engine.Open(context.Background(), engine.OpenRequest{Candidates: refs("1", "2")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if session.StreamKey != "channel_2" || session.Record.CandidateIndex != 1 {
		t.Fatalf("unexpected session %+v", session)
	}
	if f.status("channel_1") != "" {
		t.Fatal("failed candidate should have been cleaned up")
	}
}

func TestOpenExhaustedCandidates(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("1")))
	f.procs.FailWhen(func([]string) error { return errors.New("boom") })
	_, err := f.engine.Open(context.Background(), engine.OpenRequest{Candidates: refs("1", "404")})
	if !errors.Is(err, failover.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestResolveDetectsLoopsAndMissingStreams(t *testing.T) {
	f := newFixture(t, failover.NewCatalog())
	ctx := context.Background()
	if _, err := f.engine.Resolve(ctx, "channel_none"); !errors.Is(err, engine.ErrStreamGone) {
		t.Fatalf("expected ErrStreamGone, got %v", err)
	}
	_ = f.registry.SetRedirect(ctx, "channel_a", "channel_b", time.Minute)
	_ = f.registry.SetRedirect(ctx, "channel_b", "channel_a", time.Minute)
	if _, err := f.engine.Resolve(ctx, "channel_a"); !errors.Is(err, engine.ErrRedirectLoop) {
		t.Fatalf("expected ErrRedirectLoop, got %v", err)
	}
}

func TestStopEndsMonitorChain(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("9")))
	ctx := context.Background()
	if _, err := f.engine.Open(ctx, engine.OpenRequest{Candidates: refs("9")}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.engine.Stop(ctx, "channel_9"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.monitor.Watching("channel_9") || f.status("channel_9") != "" {
		t.Fatal("expected stream and monitor chain to be gone")
	}
	if err := f.engine.Stop(ctx, "channel_9"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestLaunchMarksFailuresBeforeAcquisition(t *testing.T) {
	f := newFixture(t, failover.NewCatalog(channel("1")))
	broken := channel("1")
	broken.Command = nil
	if _, err := f.engine.Launch(context.Background(), broken, models.Chain{}); !errors.Is(err, failover.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if len(f.procs.Launches()) != 0 {
		t.Fatalf("nothing should be spawned, got %v", f.procs.Launches())
	}
}
