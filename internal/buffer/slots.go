package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// ErrNoSlot is returned when every drain slot is occupied.
var ErrNoSlot = errors.New("buffer: no drain slot available")

// Slots bounds how many drain loops run at once. Each loop holds one slot for
// the lifetime of its stream.
type Slots struct {
	pool    *puddle.Pool[int]
	timeout time.Duration
}

// NewSlots creates a pool of size slots. Acquire waits at most timeout for a
// slot to free up.
func NewSlots(size int, timeout time.Duration) (*Slots, error) {
	if size <= 0 {
		size = 64
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var next atomic.Int64
	pool, err := puddle.NewPool(&puddle.Config[int]{
		Constructor: func(context.Context) (int, error) {
			return int(next.Add(1)), nil
		},
		Destructor: func(int) {},
		MaxSize:    int32(size),
	})
	if err != nil {
		return nil, fmt.Errorf("create drain slots: %w", err)
	}
	return &Slots{pool: pool, timeout: timeout}, nil
}

// Slot is one held execution slot.
type Slot struct {
	res *puddle.Resource[int]
}

// ID identifies the slot for logging.
func (s *Slot) ID() int {
	return s.res.Value()
}

// Release returns the slot to the pool.
func (s *Slot) Release() {
	s.res.Release()
}

// Acquire takes a slot, waiting up to the configured timeout.
func (s *Slots) Acquire(ctx context.Context) (*Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoSlot
		}
		return nil, fmt.Errorf("acquire drain slot: %w", err)
	}
	return &Slot{res: res}, nil
}

// InUse reports how many slots are held.
func (s *Slots) InUse() int {
	return int(s.pool.Stat().AcquiredResources())
}

// Capacity reports the maximum number of slots.
func (s *Slots) Capacity() int {
	return int(s.pool.Stat().MaxResources())
}

// Close releases the pool. Held slots are destroyed as they are released.
func (s *Slots) Close() {
	s.pool.Close()
}
