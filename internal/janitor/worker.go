package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper is what the periodic worker drives.
type Sweeper interface {
	Sweep(ctx context.Context) (Report, error)
	DailySweep(ctx context.Context) (Report, error)
}

// Ticker abstracts time.Ticker so tests can drive the worker by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// TickerFactory creates a ticker for an interval.
type TickerFactory func(time.Duration) Ticker

// StartWorker runs Sweep every interval and DailySweep every dailyInterval
// until ctx ends or the returned stop function is called.
func StartWorker(ctx context.Context, logger *slog.Logger, sweeper Sweeper, interval, dailyInterval time.Duration) func() {
	return StartWorkerWithTicker(ctx, logger, sweeper, interval, dailyInterval, func(d time.Duration) Ticker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// StartWorkerWithTicker is StartWorker with an injectable ticker factory.
func StartWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	sweeper Sweeper,
	interval, dailyInterval time.Duration,
	newTicker TickerFactory,
) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	var daily <-chan time.Time
	var dailyTicker Ticker
	if dailyInterval > 0 {
		dailyTicker = newTicker(dailyInterval)
		daily = dailyTicker.C()
	}
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			if dailyTicker != nil {
				dailyTicker.Stop()
			}
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if _, err := sweeper.Sweep(workerCtx); err != nil && logger != nil {
					logger.Error("janitor sweep failed", "error", err)
				}
			case <-daily:
				if _, err := sweeper.DailySweep(workerCtx); err != nil && logger != nil {
					logger.Error("daily janitor sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
