package failover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/registry"
	"streamshare/internal/store"
)

type fakeStarter struct {
	mu          sync.Mutex
	attempts    []int
	keys        []models.StreamKey
	failFor     map[string]bool
	notAcquired map[string]bool
}

func (f *fakeStarter) Launch(_ context.Context, desc models.SourceDescriptor, chain models.Chain) (models.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, chain.Index)
	f.keys = append(f.keys, desc.Key())
	if f.notAcquired[desc.ID] {
		return models.StreamRecord{}, fmt.Errorf("%w: store unavailable", ErrNotAcquired)
	}
	if f.failFor[desc.ID] {
		return models.StreamRecord{}, errors.New("spawn failed")
	}
	return models.StreamRecord{StreamKey: desc.Key(), Status: models.StatusStarting, RequestID: chain.RequestID, CandidateIndex: chain.Index}, nil
}

type fakeStopper struct {
	mu      sync.Mutex
	stopped []models.StreamKey
	err     error
}

func (f *fakeStopper) Stop(_ context.Context, key models.StreamKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
	return f.err
}

func descriptor(id string) models.SourceDescriptor {
	return models.SourceDescriptor{Type: "channel", ID: id, Command: []string{"ffmpeg", "-i", "udp://src/" + id, "{output_dir}/index.m3u8"}}
}

func keyOf(id string) models.StreamKey {
	return models.SourceRef{Type: "channel", ID: id}.Key()
}

func candidates(ids ...string) []models.SourceRef {
	refs := make([]models.SourceRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, models.SourceRef{Type: "channel", ID: id})
	}
	return refs
}

type harness struct {
	seq      *Sequencer
	starter  *fakeStarter
	stopper  *fakeStopper
	registry *registry.Registry
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, catalog Resolver, failFor ...string) *harness {
	t.Helper()
	h := &harness{
		starter:  &fakeStarter{failFor: make(map[string]bool), notAcquired: make(map[string]bool)},
		stopper:  &fakeStopper{},
		registry: registry.New(store.NewMemory(), nil),
		logs:     &bytes.Buffer{},
	}
	for _, id := range failFor {
		h.starter.failFor[id] = true
	}
	seq, err := New(Config{
		Resolver: catalog,
		Starter:  h.starter,
		Stopper:  h.stopper,
		Registry: h.registry,
		Logger:   logging.New(logging.Config{Level: "debug", Writer: h.logs}),
	})
	if err != nil {
		t.Fatalf("new sequencer: %v", err)
	}
	h.seq = seq
	return h
}

func TestAdvanceTriesLaterCandidatesInOrder(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B"), descriptor("C")), "B")
	chain := models.Chain{RequestID: "req-7", Candidates: candidates("A", "B", "C"), Index: 0}
	ctx := logging.ContextWithRequestID(context.Background(), chain.RequestID)

	rec, err := h.seq.Advance(ctx, chain, keyOf("A"))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if rec.StreamKey != keyOf("C") || rec.CandidateIndex != 2 || rec.RequestID != "req-7" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if got := h.starter.attempts; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected attempts at indices [1 2], got %v", got)
	}
	for _, key := range h.starter.keys {
		if key == keyOf("A") {
			t.Fatal("failed candidate must never be re-attempted")
		}
	}
	if len(h.stopper.stopped) != 2 || h.stopper.stopped[0] != keyOf("A") || h.stopper.stopped[1] != keyOf("B") {
		t.Fatalf("expected A then B to be stopped, got %v", h.stopper.stopped)
	}
	target, ok, err := h.registry.Redirect(ctx, keyOf("A"))
	if err != nil || !ok || target != keyOf("C") {
		t.Fatalf("expected redirect A -> C, got %q %v %v", target, ok, err)
	}
	if !strings.Contains(h.logs.String(), `"request_id":"req-7"`) {
		t.Fatalf("expected request id on failover logs:\n%s", h.logs.String())
	}
}

func TestAdvanceSkipsUnresolvableCandidate(t *testing.T) {
	broken := descriptor("B")
	broken.Command = nil
	h := newHarness(t, NewCatalog(descriptor("A"), broken, descriptor("D")))
	chain := models.Chain{Candidates: candidates("A", "missing", "B", "D")}

	rec, err := h.seq.Advance(context.Background(), chain, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if rec.StreamKey != keyOf("D") || rec.CandidateIndex != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(h.starter.attempts) != 1 {
		t.Fatalf("only the resolvable candidate should be started, got %v", h.starter.attempts)
	}
}

func TestAdvanceExhaustedLeavesStreamAbsent(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B")), "B")
	chain := models.Chain{RequestID: "req-9", Candidates: candidates("A", "B")}

	_, err := h.seq.Advance(context.Background(), chain, keyOf("A"))
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(h.starter.attempts) != 1 || h.starter.attempts[0] != 1 {
		t.Fatalf("expected a single attempt at index 1, got %v", h.starter.attempts)
	}
	if !strings.Contains(h.logs.String(), "all candidates exhausted") {
		t.Fatalf("expected terminal failure to be logged:\n%s", h.logs.String())
	}
	if _, ok, _ := h.registry.Redirect(context.Background(), keyOf("A")); ok {
		t.Fatal("no redirect expected after exhaustion")
	}

	h.starter.attempts = nil
	if _, err := h.seq.Advance(context.Background(), chain.At(1), keyOf("B")); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion from the last index, got %v", err)
	}
	if len(h.starter.attempts) != 0 {
		t.Fatalf("no candidates remain after the last index, got %v", h.starter.attempts)
	}
}

func TestAdvanceContinuesWhenStopFails(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B")))
	h.stopper.err = errors.New("store unavailable")

	rec, err := h.seq.Advance(context.Background(), models.Chain{Candidates: candidates("A", "B")}, keyOf("A"))
	if err != nil || rec.StreamKey != keyOf("B") {
		t.Fatalf("expected failover despite stop error, got %+v %v", rec, err)
	}
}

func TestBeginStartsFromFirstCandidateWithoutStopping(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B")), "A")
	rec, err := h.seq.Begin(context.Background(), models.Chain{Candidates: candidates("A", "B")})
	if err != nil || rec.StreamKey != keyOf("B") {
		t.Fatalf("unexpected begin result %+v %v", rec, err)
	}
	if len(h.stopper.stopped) != 1 || h.stopper.stopped[0] != keyOf("A") {
		t.Fatalf("only the failed candidate should be cleaned up, got %v", h.stopper.stopped)
	}
}

func TestAdvanceSkipsDuplicateCandidates(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B")), "B")
	chain := models.Chain{Candidates: candidates("A", "B", "A", "B")}
	if _, err := h.seq.Advance(context.Background(), chain, keyOf("A")); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if len(h.starter.attempts) != 1 {
		t.Fatalf("each candidate may be tried once per sequence, got %v", h.starter.attempts)
	}
}

func TestAdvanceLeavesUnacquiredCandidateRunning(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("A"), descriptor("B"), descriptor("C")))
	h.starter.notAcquired["B"] = true
	rec, err := h.seq.Advance(context.Background(), models.Chain{Candidates: candidates("A", "B", "C")}, keyOf("A"))
	if err != nil || rec.StreamKey != keyOf("C") {
		t.Fatalf("expected failover to C, got %+v %v", rec, err)
	}
	for _, key := range h.stopper.stopped {
		if key == keyOf("B") {
			t.Fatal("a stream this sequence never acquired must not be stopped")
		}
	}
	if len(h.stopper.stopped) != 1 || h.stopper.stopped[0] != keyOf("A") {
		t.Fatalf("expected only A to be stopped, got %v", h.stopper.stopped)
	}
}

func TestAdvanceMatchesMixedCaseKeys(t *testing.T) {
	h := newHarness(t, NewCatalog(descriptor("Ab"), descriptor("ab")))
	rec, err := h.seq.Advance(context.Background(), models.Chain{Candidates: candidates("Ab", "ab", "Ab")}, keyOf("Ab"))
	if err != nil || rec.StreamKey != keyOf("ab") || rec.StreamKey == keyOf("Ab") {
		t.Fatalf("expected the distinct lowercase source, got %+v %v", rec, err)
	}
	if len(h.starter.attempts) != 1 || h.starter.attempts[0] != 1 {
		t.Fatalf("expected one attempt at index 1, got %v", h.starter.attempts)
	}
}

func TestLoadCatalogAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sources.yaml")
	body := `defaults:
  command: [ffmpeg, -i, "udp://239.0.0.1:{source_id}", "{output_dir}/index.m3u8"]
  format: hls
sources:
  - type: channel
    id: "42"
    title: News
  - type: vod
    id: "7"
    command: [gst-launch-1.0, "filesrc location=/media/7.ts"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write sources: %v", err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if catalog.Len() != 2 {
		t.Fatalf("expected 2 sources, got %d", catalog.Len())
	}
	desc, err := catalog.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "42", Variant: "720p"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Binary() != "ffmpeg" || desc.Format != "hls" || desc.Variant != "720p" || desc.Title != "News" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}
	vod, err := catalog.Resolve(context.Background(), models.SourceRef{Type: "vod", ID: "7"})
	if err != nil || vod.Binary() != "gst-launch-1.0" {
		t.Fatalf("unexpected vod descriptor %+v %v", vod, err)
	}
	if _, err := catalog.Resolve(context.Background(), models.SourceRef{Type: "channel", ID: "99"}); !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
}
