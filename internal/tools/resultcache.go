package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/berth-dev/gradeloop/internal/cache"
)

// ResultCache stores tool outputs by page content hash. Only successful
// results are written; a read or decode error is treated as a miss so a
// broken cache never fails a run.
type ResultCache struct {
	store  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewResultCache wraps store. A nil store disables caching.
func NewResultCache(store cache.Cache, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ResultCache{store: store, ttl: ttl, logger: logger}
}

type sliceEntry struct {
	Slices []Slice `json:"slices"`
}

// OCR returns cached OCR text for a page hash.
func (c *ResultCache) OCR(ctx context.Context, hash string) (string, bool) {
	raw, ok := c.get(ctx, cache.Key(cache.PrefixOCR, hash))
	if !ok {
		return "", false
	}
	return string(raw), true
}

// PutOCR caches OCR text. Empty text is not cached.
func (c *ResultCache) PutOCR(ctx context.Context, hash, text string) {
	if text == "" {
		return
	}
	c.set(ctx, cache.Key(cache.PrefixOCR, hash), []byte(text))
}

// Slices returns cached slices for a page hash.
func (c *ResultCache) Slices(ctx context.Context, hash string) ([]Slice, bool) {
	raw, ok := c.get(ctx, cache.Key(cache.PrefixSlices, hash))
	if !ok {
		return nil, false
	}
	var entry sliceEntry
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry.Slices) == 0 {
		c.logger.Warn("discarding unreadable slice cache entry", "hash", hash, "error", err)
		return nil, false
	}
	return entry.Slices, true
}

// PutSlices caches a non-empty slice set.
func (c *ResultCache) PutSlices(ctx context.Context, hash string, slices []Slice) {
	if len(slices) == 0 {
		return
	}
	raw, err := json.Marshal(sliceEntry{Slices: slices})
	if err != nil {
		return
	}
	c.set(ctx, cache.Key(cache.PrefixSlices, hash), raw)
}

// SliceFailed reports whether every slicing tier is known to fail for hash.
func (c *ResultCache) SliceFailed(ctx context.Context, hash string) bool {
	if c == nil || c.store == nil {
		return false
	}
	ok, err := c.store.Exists(ctx, cache.Key(cache.PrefixSliceFail, hash))
	if err != nil {
		c.logger.Warn("cache exists failed", "hash", hash, "error", err)
		return false
	}
	return ok
}

// MarkSliceFailed records that slicing found nothing for hash.
func (c *ResultCache) MarkSliceFailed(ctx context.Context, hash string) {
	c.set(ctx, cache.Key(cache.PrefixSliceFail, hash), []byte("1"))
}

func (c *ResultCache) get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return nil, false
	}
	return raw, ok
}

func (c *ResultCache) set(ctx context.Context, key string, value []byte) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Set(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}
