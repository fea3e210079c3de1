// Package clients tracks viewer leases. A stream's client count is the
// number of live leases; there is no separately stored counter to drift.
package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamshare/internal/models"
	"streamshare/internal/store"
)

// DefaultLeaseTTL is how long a lease survives without a refresh.
const DefaultLeaseTTL = 60 * time.Second

// Tracker creates, refreshes and counts leases.
type Tracker struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// New constructs a Tracker. A zero ttl uses DefaultLeaseTTL.
func New(s store.Store, ttl time.Duration, now func() time.Time) *Tracker {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: s, ttl: ttl, now: now}
}

// Attach creates the lease of clientID on k, or refreshes it when it
// already exists. ConnectedAt survives refreshes.
func (t *Tracker) Attach(ctx context.Context, k models.StreamKey, clientID string) (models.ClientLease, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return models.ClientLease{}, errors.New("client id is required")
	}
	key := store.ClientKey(k, clientID)
	now := t.now().UTC()
	lease := models.ClientLease{StreamKey: k, ClientID: clientID, ConnectedAt: now, LastSeen: now}
	if data, err := t.store.Get(ctx, key); err == nil {
		if existing, err := models.DecodeLease(data); err == nil && !existing.ConnectedAt.IsZero() {
			lease.ConnectedAt = existing.ConnectedAt
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return models.ClientLease{}, fmt.Errorf("read lease %s: %w", key, err)
	}
	data, err := models.EncodeLease(lease)
	if err != nil {
		return models.ClientLease{}, err
	}
	if err := t.store.Set(ctx, key, data, t.ttl); err != nil {
		return models.ClientLease{}, fmt.Errorf("write lease %s: %w", key, err)
	}
	return lease, nil
}

// Detach deletes the lease. Detaching an unknown client is not an error.
func (t *Tracker) Detach(ctx context.Context, k models.StreamKey, clientID string) error {
	if err := t.store.Delete(ctx, store.ClientKey(k, strings.TrimSpace(clientID))); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	return nil
}

// Count returns the number of live leases on k, computed fresh.
func (t *Tracker) Count(ctx context.Context, k models.StreamKey) (int, error) {
	keys, err := t.store.Keys(ctx, store.ClientPattern(k))
	if err != nil {
		return 0, fmt.Errorf("count leases %s: %w", k, err)
	}
	return len(keys), nil
}

// Leases returns the live leases on k.
func (t *Tracker) Leases(ctx context.Context, k models.StreamKey) ([]models.ClientLease, error) {
	keys, err := t.store.Keys(ctx, store.ClientPattern(k))
	if err != nil {
		return nil, fmt.Errorf("list leases %s: %w", k, err)
	}
	out := make([]models.ClientLease, 0, len(keys))
	for _, key := range keys {
		data, err := t.store.Get(ctx, key)
		if err != nil {
			continue
		}
		lease, err := models.DecodeLease(data)
		if err != nil {
			lease = models.ClientLease{StreamKey: k, ClientID: store.ClientID(k, key)}
		}
		out = append(out, lease)
	}
	return out, nil
}

// Total counts every live lease across all streams.
func (t *Tracker) Total(ctx context.Context) (int, error) {
	keys, err := t.store.Keys(ctx, store.ClientPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("count leases: %w", err)
	}
	return len(keys), nil
}

// Orphans returns lease keys whose stream has no record.
func (t *Tracker) Orphans(ctx context.Context, live func(models.StreamKey) bool) ([]string, error) {
	keys, err := t.store.Keys(ctx, store.ClientPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	var orphans []string
	for _, key := range keys {
		data, err := t.store.Get(ctx, key)
		if err != nil {
			continue
		}
		lease, err := models.DecodeLease(data)
		if err != nil || lease.StreamKey == "" {
			continue
		}
		if !live(lease.StreamKey) {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}
