package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxEntries = 1024
	defaultTTL        = 24 * time.Hour
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process LRU cache with per-entry expiry.
// It is safe for concurrent use.
type Memory struct {
	entries *lru.Cache[string, memoryEntry]
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a Memory cache holding at most maxEntries values.
// Zero values fall back to defaults.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	// lru.New only fails for non-positive sizes, guarded above.
	entries, _ := lru.New[string, memoryEntry](maxEntries)
	return &Memory{entries: entries, ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries.Add(key, memoryEntry{value: stored, expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Len returns the number of entries, including expired ones not yet evicted.
func (m *Memory) Len() int {
	return m.entries.Len()
}
