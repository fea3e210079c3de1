package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultWorkers     = 16
	DefaultTickTimeout = 15 * time.Second
)

// FailureFunc is invoked once when a tick fails; the chain ends and the
// handler decides what runs next.
type FailureFunc func(ctx context.Context, chain models.Chain, key models.StreamKey, result Result)

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Checker     *Checker
	Registry    *registry.Registry
	OnFailure   FailureFunc
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Interval    time.Duration
	Workers     int64
	TickTimeout time.Duration
}

// Monitor runs one chain of re-schedulable ticks per stream. Each tick is a
// bounded unit of work on a shared worker budget; it either schedules its
// successor or ends the chain.
type Monitor struct {
	checker     *Checker
	registry    *registry.Registry
	onFailure   FailureFunc
	logger      *slog.Logger
	metrics     *metrics.Recorder
	interval    time.Duration
	tickTimeout time.Duration
	sem         *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	chains map[models.StreamKey]*watch
	wg     sync.WaitGroup
}

type watch struct {
	key   models.StreamKey
	chain models.Chain
	token string
	timer *time.Timer
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Checker == nil || cfg.Registry == nil {
		return nil, errors.New("checker and registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		checker:     cfg.Checker,
		registry:    cfg.Registry,
		onFailure:   cfg.OnFailure,
		logger:      logging.WithComponent(cfg.Logger, "health"),
		metrics:     cfg.Metrics,
		interval:    cfg.Interval,
		tickTimeout: cfg.TickTimeout,
		sem:         semaphore.NewWeighted(cfg.Workers),
		ctx:         ctx,
		cancel:      cancel,
		chains:      make(map[models.StreamKey]*watch),
	}, nil
}

// SetFailureHandler installs the handler invoked on a failed tick.
func (m *Monitor) SetFailureHandler(fn FailureFunc) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// Watch starts a chain for key. token must match the record's monitor token
// on every tick; a chain whose token no longer matches ends quietly. A new
// chain for the same key replaces the old one.
func (m *Monitor) Watch(key models.StreamKey, chain models.Chain, token string) {
	w := &watch{key: key, chain: chain, token: token}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if old, ok := m.chains[key]; ok {
		old.timer.Stop()
	}
	m.chains[key] = w
	w.timer = time.AfterFunc(m.interval, func() { m.tick(w) })
}

// Unwatch ends the chain for key.
func (m *Monitor) Unwatch(key models.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.chains[key]; ok {
		w.timer.Stop()
		delete(m.chains, key)
	}
}

// Watching reports whether a chain is active for key.
func (m *Monitor) Watching(key models.StreamKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chains[key]
	return ok
}

// Active returns the number of live chains.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chains)
}

// Close ends every chain and waits for in-flight ticks.
func (m *Monitor) Close() {
	m.cancel()
	m.mu.Lock()
	m.closed = true
	for key, w := range m.chains {
		w.timer.Stop()
		delete(m.chains, key)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) end(w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chains[w.key] == w {
		delete(m.chains, w.key)
	}
}

func (m *Monitor) tick(w *watch) {
	m.mu.Lock()
	if m.closed || m.chains[w.key] != w {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		return
	}
	ctx := logging.ContextWithRequestID(m.ctx, w.chain.RequestID)
	ctx = logging.ContextWithStreamKey(ctx, string(w.key))
	logger := logging.WithContext(ctx, m.logger)

	result, err := m.runTick(ctx, w)
	m.sem.Release(1)
	if err != nil {
		logger.Error("health tick crashed, ending chain", "error", err)
		m.end(w)
		return
	}

	switch {
	case result.Terminal():
		logger.Info("monitor chain ended", "reason", result.Reason)
		m.end(w)
	case result.Healthy:
		m.reschedule(w)
	case result.Reason == ReasonCheckError:
		// Store or inspector hiccup; try again next interval.
		logger.Warn("health tick could not complete", "detail", result.Detail)
		m.reschedule(w)
	default:
		m.end(w)
		m.metrics.HealthFailure(string(result.Reason))
		logger.Warn("stream failed health check", "reason", result.Reason, "detail", result.Detail, "candidate_index", w.chain.Index)
		m.mu.Lock()
		handler := m.onFailure
		m.mu.Unlock()
		if handler != nil {
			handler(ctx, w.chain, w.key, result)
		}
	}
}

func (m *Monitor) reschedule(w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed && m.chains[w.key] == w {
		w.timer = time.AfterFunc(m.interval, func() { m.tick(w) })
	}
}

// runTick evaluates one tick, converting a panic into an error so a crashed
// tick ends its chain instead of the process.
func (m *Monitor) runTick(ctx context.Context, w *watch) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, m.tickTimeout)
	defer cancel()

	disabled, derr := m.registry.MonitorDisabled(ctx, w.key)
	if derr != nil {
		return failed(ReasonCheckError, "read monitor flag: %v", derr), nil
	}
	if disabled {
		return Result{Reason: ReasonMonitorDisabled}, nil
	}
	rec, gerr := m.registry.Get(ctx, w.key)
	if errors.Is(gerr, registry.ErrNotFound) {
		return failed(ReasonRecordMissing, "no record for %s", w.key), nil
	}
	if gerr != nil {
		return failed(ReasonCheckError, "load record: %v", gerr), nil
	}
	if w.token != "" && rec.MonitorToken != w.token {
		return Result{Reason: ReasonStaleChain, Detail: "record was restarted by another chain"}, nil
	}
	return m.checker.EvaluateRecord(ctx, rec), nil
}
