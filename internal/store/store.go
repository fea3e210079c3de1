// Package store defines the shared key/value + list store used for all
// cross-process coordination and the key layout other tooling relies on.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the subset of shared-store capabilities the engine depends on.
// A ttl of zero means the key does not expire.
type Store interface {
	// SetNX atomically creates key only if it is absent and reports whether
	// the value was written. Stream acquisition relies on this primitive.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// SetXX replaces key only if it already exists.
	SetXX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// PushTrim atomically appends value to the list at key and trims the
	// list to its newest max entries.
	PushTrim(ctx context.Context, key, value string, max int64) error
	Range(ctx context.Context, key string) ([]string, error)
	ListRemove(ctx context.Context, key, value string) error

	// Keys returns every key matching a glob pattern. Implementations iterate
	// incrementally rather than blocking the store.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// EscapePattern quotes glob metacharacters so a literal fragment can be
// embedded in a Keys pattern.
func EscapePattern(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
