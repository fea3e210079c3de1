// Package engine is the viewer-facing entry point. It opens shared streams
// from candidate lists, serves their live segments and wires health failures
// into the failover sequencer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamshare/internal/buffer"
	"streamshare/internal/clients"
	"streamshare/internal/failover"
	"streamshare/internal/health"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
	"streamshare/internal/supervisor"
)

var (
	// ErrStreamGone is returned when a stream and every redirect from it
	// have disappeared.
	ErrStreamGone = errors.New("engine: stream is gone")
	// ErrRedirectLoop is returned when redirects point back at themselves.
	ErrRedirectLoop = errors.New("engine: redirect loop")
)

// DefaultMaxRedirectHops bounds how many redirects Resolve follows.
const DefaultMaxRedirectHops = 5

// Config wires an Engine.
type Config struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Buffers    *buffer.Manager
	Clients    *clients.Tracker
	Monitor    *health.Monitor
	Resolver   failover.Resolver
	Logger     *slog.Logger
	Metrics    *metrics.Recorder

	RedirectTTL     time.Duration
	MaxRedirectHops int
}

// Engine composes the stream components.
type Engine struct {
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	buffers    *buffer.Manager
	clients    *clients.Tracker
	monitor    *health.Monitor
	sequencer  *failover.Sequencer
	logger     *slog.Logger
	maxHops    int
}

// OpenRequest asks for a stream backed by the first workable candidate.
type OpenRequest struct {
	RequestID  string             `json:"request_id,omitempty"`
	ClientID   string             `json:"client_id,omitempty"`
	Candidates []models.SourceRef `json:"candidates"`
}

// Session is the outcome of Open.
type Session struct {
	StreamKey models.StreamKey    `json:"stream_key"`
	ClientID  string              `json:"client_id"`
	RequestID string              `json:"request_id"`
	Record    models.StreamRecord `json:"record"`
}

// PollResult carries the segments a client has not seen yet.
type PollResult struct {
	StreamKey  models.StreamKey `json:"stream_key"`
	Redirected bool             `json:"redirected"`
	Status     models.Status    `json:"status"`
	Cursor     int64            `json:"cursor"`
	Segments   []models.Segment `json:"segments"`
}

// New constructs an Engine and installs its sequencer as the monitor's
// failure handler.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Supervisor == nil || cfg.Buffers == nil || cfg.Monitor == nil || cfg.Resolver == nil {
		return nil, errors.New("registry, supervisor, buffers, monitor and resolver are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Clients == nil {
		cfg.Clients = clients.New(cfg.Registry.Store(), 0, nil)
	}
	if cfg.MaxRedirectHops <= 0 {
		cfg.MaxRedirectHops = DefaultMaxRedirectHops
	}
	e := &Engine{
		registry:   cfg.Registry,
		supervisor: cfg.Supervisor,
		buffers:    cfg.Buffers,
		clients:    cfg.Clients,
		monitor:    cfg.Monitor,
		logger:     logging.WithComponent(cfg.Logger, "engine"),
		maxHops:    cfg.MaxRedirectHops,
	}
	seq, err := failover.New(failover.Config{
		Resolver:    cfg.Resolver,
		Starter:     e,
		Stopper:     e,
		Registry:    cfg.Registry,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		RedirectTTL: cfg.RedirectTTL,
	})
	if err != nil {
		return nil, err
	}
	e.sequencer = seq
	cfg.Monitor.SetFailureHandler(seq.HandleFailure)
	return e, nil
}

// Sequencer exposes the failover sequencer.
func (e *Engine) Sequencer() *failover.Sequencer {
	return e.sequencer
}

// Launch acquires desc's stream and, when this call won the acquisition,
// starts the transcoder, drains its output and begins monitoring it under
// chain. A stream that already exists is joined as is unless it errored.
func (e *Engine) Launch(ctx context.Context, desc models.SourceDescriptor, chain models.Chain) (models.StreamRecord, error) {
	rec, created, err := e.supervisor.Acquire(ctx, desc, chain)
	if err != nil {
		return models.StreamRecord{}, fmt.Errorf("%w: %w", failover.ErrNotAcquired, err)
	}
	if !created {
		if rec.Status == models.StatusError {
			return models.StreamRecord{}, fmt.Errorf("stream %s is in error: %s", rec.StreamKey, rec.ErrorMessage)
		}
		return rec, nil
	}
	h, err := e.supervisor.Start(ctx, rec, desc)
	if err != nil {
		return models.StreamRecord{}, err
	}
	if err := e.buffers.Attach(ctx, h); err != nil {
		return models.StreamRecord{}, fmt.Errorf("attach buffer: %w", err)
	}
	e.monitor.Watch(h.Record.StreamKey, chain, h.Record.MonitorToken)
	return h.Record, nil
}

// Stop ends the monitor chain and stops the stream.
func (e *Engine) Stop(ctx context.Context, key models.StreamKey) error {
	e.monitor.Unwatch(key)
	return e.supervisor.Stop(ctx, key)
}

// Open starts or joins the first workable candidate and attaches the client.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (Session, error) {
	if len(req.Candidates) == 0 {
		return Session{}, errors.New("at least one candidate is required")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	if strings.TrimSpace(req.ClientID) == "" {
		req.ClientID = uuid.NewString()
	}
	ctx = logging.ContextWithRequestID(ctx, req.RequestID)
	chain := models.Chain{RequestID: req.RequestID, Candidates: append([]models.SourceRef(nil), req.Candidates...)}
	rec, err := e.sequencer.Begin(ctx, chain)
	if err != nil {
		return Session{}, err
	}
	if _, err := e.clients.Attach(ctx, rec.StreamKey, req.ClientID); err != nil {
		return Session{}, err
	}
	logging.WithContext(logging.ContextWithStreamKey(ctx, string(rec.StreamKey)), e.logger).Info("client opened stream",
		"client_id", req.ClientID, "candidate_index", rec.CandidateIndex)
	return Session{StreamKey: rec.StreamKey, ClientID: req.ClientID, RequestID: req.RequestID, Record: rec}, nil
}

// Resolve follows failover redirects from key to the stream that currently
// serves its consumers.
func (e *Engine) Resolve(ctx context.Context, key models.StreamKey) (models.StreamKey, error) {
	seen := map[models.StreamKey]struct{}{key: {}}
	current := key
	for hop := 0; hop <= e.maxHops; hop++ {
		exists, err := e.registry.Exists(ctx, current)
		if err != nil {
			return "", err
		}
		if exists {
			return current, nil
		}
		next, ok, err := e.registry.Redirect(ctx, current)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrStreamGone, key)
		}
		if _, loop := seen[next]; loop {
			return "", fmt.Errorf("%w: %s -> %s", ErrRedirectLoop, current, next)
		}
		seen[next] = struct{}{}
		current = next
	}
	return "", fmt.Errorf("%w: %s exceeds %d redirects", ErrStreamGone, key, e.maxHops)
}

// Poll refreshes the client's lease and returns segments newer than after.
// When the stream was replaced by failover the lease moves to the new
// stream and the cursor restarts on its index.
func (e *Engine) Poll(ctx context.Context, key models.StreamKey, clientID string, after int64) (PollResult, error) {
	resolved, err := e.Resolve(ctx, key)
	if err != nil {
		return PollResult{}, err
	}
	result := PollResult{StreamKey: resolved, Cursor: after}
	if resolved != key {
		result.Redirected = true
		result.Cursor = 0
		if err := e.clients.Detach(ctx, key, clientID); err != nil {
			return PollResult{}, err
		}
	}
	if _, err := e.clients.Attach(ctx, resolved, clientID); err != nil {
		return PollResult{}, err
	}
	rec, err := e.registry.Get(ctx, resolved)
	if errors.Is(err, registry.ErrNotFound) {
		return PollResult{}, fmt.Errorf("%w: %s", ErrStreamGone, resolved)
	}
	if err != nil {
		return PollResult{}, err
	}
	result.Status = rec.Status
	segments, err := e.buffers.Segments(ctx, resolved, result.Cursor)
	if err != nil {
		return PollResult{}, err
	}
	result.Segments = segments
	if n := len(segments); n > 0 {
		result.Cursor = segments[n-1].SequenceNo
	}
	return result, nil
}

// Close detaches the client from key and from whatever key now serves it.
func (e *Engine) Close(ctx context.Context, key models.StreamKey, clientID string) error {
	if err := e.clients.Detach(ctx, key, clientID); err != nil {
		return err
	}
	if resolved, err := e.Resolve(ctx, key); err == nil && resolved != key {
		return e.clients.Detach(ctx, resolved, clientID)
	}
	return nil
}

// Adopt starts monitoring streams that already exist in the store, for
// example after a daemon restart. The original candidate lists are not
// persisted, so an adopted stream fails over to nothing but its own source.
func (e *Engine) Adopt(ctx context.Context) (int, error) {
	records, err := e.registry.List(ctx)
	if err != nil {
		return 0, err
	}
	adopted := 0
	for _, rec := range records {
		if rec.MonitorToken == "" || e.monitor.Watching(rec.StreamKey) {
			continue
		}
		chain := models.Chain{
			RequestID:  rec.RequestID,
			Candidates: []models.SourceRef{{Type: rec.Type, ID: rec.SourceID}},
		}
		e.monitor.Watch(rec.StreamKey, chain, rec.MonitorToken)
		adopted++
	}
	if adopted > 0 {
		e.logger.Info("adopted existing streams", "count", adopted)
	}
	return adopted, nil
}

// Shutdown ends monitoring and drain loops. Transcoders keep running; the
// janitor or an operator stop reclaims them.
func (e *Engine) Shutdown() {
	e.monitor.Close()
	e.buffers.Close()
}
