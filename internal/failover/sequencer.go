// Package failover walks a stream's ordered candidate list to find a working
// backing source after the current one fails.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"streamshare/internal/health"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/registry"
)

// ErrExhausted is returned when no remaining candidate could be started.
var ErrExhausted = errors.New("failover: all candidates exhausted")

// ErrNotAcquired marks a Launch failure that happened before the sequence
// owned the candidate's stream. Such streams may be serving other viewers
// and are left alone.
var ErrNotAcquired = errors.New("failover: stream not acquired")

// DefaultRedirectTTL is how long a failover redirect outlives the failover.
const DefaultRedirectTTL = 300 * time.Second

// Starter acquires and starts the stream for one candidate. The chain passed
// in carries the candidate's index so the monitor chain that follows the
// start continues from that position. Errors raised before the stream was
// acquired wrap ErrNotAcquired.
type Starter interface {
	Launch(ctx context.Context, desc models.SourceDescriptor, chain models.Chain) (models.StreamRecord, error)
}

// Stopper tears a stream down. Stopping an absent stream must succeed.
type Stopper interface {
	Stop(ctx context.Context, key models.StreamKey) error
}

// Config wires a Sequencer.
type Config struct {
	Resolver    Resolver
	Starter     Starter
	Stopper     Stopper
	Registry    *registry.Registry
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	RedirectTTL time.Duration
}

// Sequencer advances a chain past failed candidates.
type Sequencer struct {
	resolver    Resolver
	starter     Starter
	stopper     Stopper
	registry    *registry.Registry
	logger      *slog.Logger
	metrics     *metrics.Recorder
	redirectTTL time.Duration
}

// New constructs a Sequencer.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Resolver == nil || cfg.Starter == nil || cfg.Stopper == nil {
		return nil, errors.New("resolver, starter and stopper are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.RedirectTTL <= 0 {
		cfg.RedirectTTL = DefaultRedirectTTL
	}
	return &Sequencer{
		resolver:    cfg.Resolver,
		starter:     cfg.Starter,
		stopper:     cfg.Stopper,
		registry:    cfg.Registry,
		logger:      logging.WithComponent(cfg.Logger, "failover"),
		metrics:     cfg.Metrics,
		redirectTTL: cfg.RedirectTTL,
	}, nil
}

// Begin starts the first workable candidate of a fresh chain, beginning at
// index 0. Nothing is stopped first.
func (s *Sequencer) Begin(ctx context.Context, chain models.Chain) (models.StreamRecord, error) {
	return s.walk(ctx, chain, -1, "")
}

// Advance stops failedKey, which was backed by chain.Candidates[chain.Index],
// and starts the first workable candidate after it. Indices at or before the
// failed one are never revisited. On success consumers of failedKey are
// redirected to the new stream.
func (s *Sequencer) Advance(ctx context.Context, chain models.Chain, failedKey models.StreamKey) (models.StreamRecord, error) {
	logger := logging.WithContext(ctx, s.logger)
	if failedKey == "" {
		if ref, ok := chain.Current(); ok {
			failedKey = ref.Key()
		}
	}
	if failedKey != "" {
		if err := s.stopper.Stop(ctx, failedKey); err != nil {
			logger.Warn("failed to stop failed stream, continuing", "failed_stream", failedKey, "error", err)
		}
	}
	return s.walk(ctx, chain, chain.Index, failedKey)
}

// HandleFailure matches health.FailureFunc so the sequencer can be installed
// directly as the monitor's failure handler.
func (s *Sequencer) HandleFailure(ctx context.Context, chain models.Chain, key models.StreamKey, result health.Result) {
	logging.WithContext(ctx, s.logger).Info("failing over",
		"failed_stream", key, "reason", result.Reason, "candidate_index", chain.Index, "candidates", len(chain.Candidates))
	_, _ = s.Advance(ctx, chain, key)
}

func (s *Sequencer) walk(ctx context.Context, chain models.Chain, failedIndex int, failedKey models.StreamKey) (models.StreamRecord, error) {
	logger := logging.WithContext(ctx, s.logger)
	tried := make(map[models.StreamKey]struct{}, len(chain.Candidates))
	if failedKey != "" {
		tried[failedKey] = struct{}{}
	}
	var errs []error
	for idx := failedIndex + 1; idx < len(chain.Candidates); idx++ {
		ref := chain.Candidates[idx]
		if _, seen := tried[ref.Key()]; seen {
			logger.Info("skipping candidate already tried in this sequence", "candidate", ref.String(), "candidate_index", idx)
			continue
		}
		tried[ref.Key()] = struct{}{}

		desc, err := s.resolver.Resolve(ctx, ref)
		if err == nil {
			err = desc.Validate()
		}
		if err != nil {
			logger.Warn("skipping unresolvable candidate", "candidate", ref.String(), "candidate_index", idx, "error", err)
			errs = append(errs, fmt.Errorf("candidate %d (%s): %w", idx, ref, err))
			continue
		}
		tried[desc.Key()] = struct{}{}

		candCtx := logging.ContextWithStreamKey(ctx, string(desc.Key()))
		rec, err := s.starter.Launch(candCtx, desc, chain.At(idx))
		if err != nil {
			logging.WithContext(candCtx, s.logger).Warn("candidate failed to start, advancing",
				"candidate", ref.String(), "candidate_index", idx, "error", err)
			errs = append(errs, fmt.Errorf("candidate %d (%s): %w", idx, ref, err))
			if errors.Is(err, ErrNotAcquired) {
				continue
			}
			if stopErr := s.stopper.Stop(candCtx, desc.Key()); stopErr != nil {
				logger.Warn("failed to clean up candidate", "candidate", ref.String(), "error", stopErr)
			}
			continue
		}

		if failedKey != "" && failedKey != rec.StreamKey {
			s.metrics.Failover("succeeded")
			if s.registry != nil {
				if err := s.registry.SetRedirect(ctx, failedKey, rec.StreamKey, s.redirectTTL); err != nil {
					logger.Warn("failed to write failover redirect", "failed_stream", failedKey, "target", rec.StreamKey, "error", err)
				}
			}
			logger.Info("failover complete", "failed_stream", failedKey, "target", rec.StreamKey, "candidate_index", idx)
		}
		return rec, nil
	}

	if failedKey != "" {
		s.metrics.Failover("exhausted")
	}
	logger.Error("all candidates exhausted, stream left absent",
		"failed_stream", failedKey, "failed_index", failedIndex, "candidates", len(chain.Candidates))
	errs = append([]error{ErrExhausted}, errs...)
	return models.StreamRecord{}, errors.Join(errs...)
}
