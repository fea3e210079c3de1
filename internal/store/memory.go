package store

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value  []byte
	list   []string
	isList bool
	expiry time.Time
}

// Memory is an in-process Store. Expiry is evaluated lazily against the
// configured clock, which lets tests move time forward deterministically.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory returns an empty store using the wall clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an empty store that evaluates TTLs with now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]*memoryEntry), now: now}
}

func (m *Memory) liveLocked(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiry.IsZero() && !m.now().Before(e.expiry) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// SetNX implements Store.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiry: m.expiryFor(ttl)}
	return true, nil
}

// SetXX implements Store.
func (m *Memory) SetXX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); !ok {
		return false, nil
	}
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiry: m.expiryFor(ttl)}
	return true, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memoryEntry{value: cloneBytes(value), expiry: m.expiryFor(ttl)}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || e.isList {
		return nil, ErrNotFound
	}
	return cloneBytes(e.value), nil
}

// Exists implements Store.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveLocked(key)
	return ok, nil
}

// Size implements Store.
func (m *Memory) Size(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || e.isList {
		return 0, nil
	}
	return int64(len(e.value)), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Expire implements Store.
func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.liveLocked(key); ok {
		e.expiry = m.expiryFor(ttl)
	}
	return nil
}

// PushTrim implements Store.
func (m *Memory) PushTrim(_ context.Context, key, value string, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		e = &memoryEntry{isList: true}
		m.entries[key] = e
	}
	e.isList = true
	e.list = append(e.list, value)
	if max > 0 && int64(len(e.list)) > max {
		e.list = append([]string(nil), e.list[int64(len(e.list))-max:]...)
	}
	return nil
}

// Range implements Store.
func (m *Memory) Range(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || !e.isList {
		return nil, nil
	}
	return append([]string(nil), e.list...), nil
}

// ListRemove implements Store.
func (m *Memory) ListRemove(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || !e.isList {
		return nil
	}
	kept := e.list[:0]
	for _, item := range e.list {
		if item != value {
			kept = append(kept, item)
		}
	}
	e.list = kept
	if len(e.list) == 0 {
		delete(m.entries, key)
	}
	return nil
}

// Keys implements Store.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key := range m.entries {
		if _, ok := m.liveLocked(key); !ok {
			continue
		}
		if matchGlob(pattern, key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }

// matchGlob applies Redis-style glob matching. path.Match shares the same
// metacharacters except that '*' must also cross '/' boundaries.
func matchGlob(pattern, key string) bool {
	const slash = "\x00"
	ok, err := path.Match(strings.ReplaceAll(pattern, "/", slash), strings.ReplaceAll(key, "/", slash))
	return err == nil && ok
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
