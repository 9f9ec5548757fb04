// Package cache provides the key-value cache shared across grading runs.
//
// Entries are derived, reproducible data (OCR text, slice URLs, known slicing
// failures) keyed by image content hash, so concurrent readers are safe and
// concurrent writers may race with last-writer-wins semantics.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache is the get/set/exists contract every backing store implements.
type Cache interface {
	// Get returns the value for key and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A ttl <= 0 means the store's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key namespaces used by the grading pipeline.
const (
	PrefixOCR       = "ocr"
	PrefixSlices    = "slices"
	PrefixSliceFail = "slicefail"
)

// Key joins a namespace and a content hash into a cache key.
func Key(prefix, hash string) string {
	return prefix + ":" + hash
}

// ContentHash returns the hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
