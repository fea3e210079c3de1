// Package buffer drains transcoder output into a bounded, expiring ring of
// segments in the shared store, mirrored to the stream's output directory.
package buffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
	"streamshare/internal/store"
	"streamshare/internal/supervisor"
)

const (
	DefaultChunkSize     = 188 * 1024
	DefaultSegmentTTL    = 300 * time.Second
	DefaultIndexCap      = 30
	DefaultInactivity    = 60 * time.Second
	DefaultFlushInterval = time.Second
	DefaultStderrLines   = 20
)

// Config wires a Manager.
type Config struct {
	Registry *registry.Registry
	Slots    *Slots
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Now      func() time.Time

	ChunkSize int
	// FlushInterval writes a short segment when output trickles in below
	// ChunkSize.
	FlushInterval time.Duration
	SegmentTTL    time.Duration
	IndexCap      int64
	// Inactivity ends the drain loop when the process produces nothing.
	Inactivity  time.Duration
	StderrLines int
	DisableDisk bool
}

// Manager runs one drain loop per started stream.
type Manager struct {
	registry *registry.Registry
	store    store.Store
	slots    *Slots
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	chunkSize     int
	flushInterval time.Duration
	segmentTTL    time.Duration
	indexCap      int64
	inactivity    time.Duration
	stderrLines   int
	mirror        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Slots == nil {
		slots, err := NewSlots(0, 0)
		if err != nil {
			return nil, err
		}
		cfg.Slots = slots
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SegmentTTL <= 0 {
		cfg.SegmentTTL = DefaultSegmentTTL
	}
	if cfg.IndexCap <= 0 {
		cfg.IndexCap = DefaultIndexCap
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = DefaultInactivity
	}
	if cfg.StderrLines <= 0 {
		cfg.StderrLines = DefaultStderrLines
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		registry:      cfg.Registry,
		store:         cfg.Registry.Store(),
		slots:         cfg.Slots,
		logger:        logging.WithComponent(cfg.Logger, "buffer"),
		metrics:       cfg.Metrics,
		now:           cfg.Now,
		chunkSize:     cfg.ChunkSize,
		flushInterval: cfg.FlushInterval,
		segmentTTL:    cfg.SegmentTTL,
		indexCap:      cfg.IndexCap,
		inactivity:    cfg.Inactivity,
		stderrLines:   cfg.StderrLines,
		mirror:        !cfg.DisableDisk,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Attach starts draining a started stream in a dedicated slot. It returns
// ErrNoSlot when the manager is saturated.
func (m *Manager) Attach(ctx context.Context, h *supervisor.Handle) error {
	if h == nil || h.Process == nil {
		return errors.New("attach: process is required")
	}
	if err := m.ctx.Err(); err != nil {
		return fmt.Errorf("attach: manager closed: %w", err)
	}
	slot, err := m.slots.Acquire(ctx)
	if err != nil {
		return err
	}
	m.metrics.SlotAcquired()
	logger := logging.WithContext(ctx, m.logger).With("stream_key", string(h.Record.StreamKey), "pid", h.Process.Pid(), "slot", slot.ID())
	m.wg.Add(1)
	go m.run(h, slot, logger)
	return nil
}

// Close stops every drain loop and waits for them to return. Subprocesses
// are left running.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.slots.Close()
}

func (m *Manager) run(h *supervisor.Handle, slot *Slot, logger *slog.Logger) {
	defer m.wg.Done()
	rec := h.Record
	tail := NewTailWriter(logger, m.stderrLines)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(tail, h.Process.Stderr())
		tail.Flush()
	}()

	chunks := make(chan []byte, 4)
	quit := make(chan struct{})
	readerDone := make(chan struct{})
	go readChunks(h.Process.Stdout(), m.chunkSize, chunks, quit, readerDone)

	reason := m.drain(rec, chunks, logger)
	close(quit)
	slot.Release()
	m.metrics.SlotReleased()
	logger.Info("drain loop ended", "reason", reason)

	go func() {
		<-readerDone
		<-stderrDone
		m.handleExit(rec, h.Process.Wait(), tail, logger)
	}()
}

func readChunks(r io.Reader, size int, out chan<- []byte, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	buf := make([]byte, size)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case out <- chunk:
			case <-quit:
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) drain(rec models.StreamRecord, chunks <-chan []byte, logger *slog.Logger) string {
	ctx := m.ctx
	key := rec.StreamKey
	seq := m.nextSequence(ctx, key)
	var pending bytes.Buffer

	flush := func(n int) {
		for pending.Len() > 0 && (n == 0 || pending.Len() >= n) {
			size := m.chunkSize
			if pending.Len() < size {
				size = pending.Len()
			}
			payload := append([]byte(nil), pending.Next(size)...)
			if err := m.writeSegment(ctx, rec, seq, payload); err != nil {
				logger.Warn("failed to write segment", "sequence", seq, "error", err)
			}
			seq++
		}
	}

	inactivity := time.NewTimer(m.inactivity)
	defer inactivity.Stop()
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flush(0)
			return "shutdown"
		case chunk, ok := <-chunks:
			if !ok {
				flush(0)
				return "eof"
			}
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(m.inactivity)
			pending.Write(chunk)
			flush(m.chunkSize)
		case <-ticker.C:
			flush(0)
		case <-inactivity.C:
			flush(0)
			logger.Warn("transcoder produced no output, ending drain loop", "inactivity", m.inactivity)
			return "inactive"
		}
	}
}

// nextSequence continues after the newest indexed sequence so a restarted
// loop never reuses a number still referenced by viewers.
func (m *Manager) nextSequence(ctx context.Context, key models.StreamKey) int64 {
	index, err := m.store.Range(ctx, store.SegmentIndexKey(key))
	if err != nil || len(index) == 0 {
		return 1
	}
	last, err := store.ParseSequence(index[len(index)-1])
	if err != nil {
		return 1
	}
	return last + 1
}

// writeSegment stores one payload with its TTL, appends it to the capped
// index, mirrors it to disk and heartbeats the record.
func (m *Manager) writeSegment(ctx context.Context, rec models.StreamRecord, seq int64, payload []byte) error {
	key := rec.StreamKey
	if err := m.store.Set(ctx, store.SegmentKey(key, seq), payload, m.segmentTTL); err != nil {
		return err
	}
	if err := m.store.PushTrim(ctx, store.SegmentIndexKey(key), strconv.FormatInt(seq, 10), m.indexCap); err != nil {
		return err
	}
	if m.mirror && rec.OutputDir != "" {
		path := filepath.Join(rec.OutputDir, MirrorName(seq))
		if err := os.WriteFile(path, payload, 0o644); err != nil {
			m.logger.Debug("failed to mirror segment", "stream_key", string(key), "path", path, "error", err)
		}
	}
	m.metrics.SegmentWritten(len(payload))
	now := m.now().UTC()
	_, err := m.registry.Update(ctx, key, func(r *models.StreamRecord) {
		r.LastActivity = now
		if r.Status == models.StatusStarting {
			r.Status = models.StatusActive
		}
	})
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) handleExit(rec models.StreamRecord, waitErr error, tail *TailWriter, logger *slog.Logger) {
	m.metrics.StreamEvent("exit")
	if waitErr == nil {
		logger.Info("transcoder exited")
		return
	}
	message := tail.Last()
	if message == "" {
		message = waitErr.Error()
	}
	logger.Warn("transcoder exited abnormally", "error", waitErr, "stderr_tail", tail.Lines())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.registry.Update(ctx, rec.StreamKey, func(r *models.StreamRecord) {
		if r.MonitorToken != rec.MonitorToken {
			return
		}
		r.Status = models.StatusError
		r.ErrorMessage = message
	})
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("failed to record transcoder exit", "error", err)
	}
}

// Segments returns the indexed segments of key newer than after, oldest
// first. Entries whose payload has expired are skipped.
func (m *Manager) Segments(ctx context.Context, key models.StreamKey, after int64) ([]models.Segment, error) {
	return ReadSegments(ctx, m.store, key, after)
}

// ReadSegments is Segments for callers without a Manager.
func ReadSegments(ctx context.Context, s store.Store, key models.StreamKey, after int64) ([]models.Segment, error) {
	index, err := s.Range(ctx, store.SegmentIndexKey(key))
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", key, err)
	}
	out := make([]models.Segment, 0, len(index))
	for _, raw := range index {
		seq, err := store.ParseSequence(raw)
		if err != nil || seq <= after {
			continue
		}
		payload, err := s.Get(ctx, store.SegmentKey(key, seq))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read segment %s/%d: %w", key, seq, err)
		}
		out = append(out, models.Segment{StreamKey: key, SequenceNo: seq, Payload: payload})
	}
	return out, nil
}
