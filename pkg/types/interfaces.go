package types

import (
	"context"
	"regexp"
	"time"
)

// DurableStore is the narrow contract to the external persistent key/value
// store used as the fourth cache tier. Keys are always hashed keys. Every
// call is best-effort from the coordinator's perspective: an error means
// "durable tier unavailable" and never fails the overall cache operation.
type DurableStore interface {
	// Get returns the stored entry, or (nil, nil) when the key is absent
	// or the stored entry has expired.
	Get(ctx context.Context, hashedKey string) (*CacheEntry, error)

	// Set stores the entry with the given TTL, replacing any prior value.
	Set(ctx context.Context, hashedKey string, entry *CacheEntry, ttl time.Duration) error

	// Delete removes the key. It reports whether the key was present.
	Delete(ctx context.Context, hashedKey string) (bool, error)

	// DeletePattern removes every entry whose original (un-hashed) key
	// matches the pattern, returning the number deleted.
	DeletePattern(ctx context.Context, pattern *regexp.Regexp) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	Close() error
}
