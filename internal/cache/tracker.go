package cache

import (
	"sync"
	"time"
)

const (
	// recentHistorySize bounds the per-key timestamp ring. Only the most
	// recent events are retained for recency analysis; the total count is
	// unbounded.
	recentHistorySize = 100

	// DefaultTrackerMaxIdle is how long a key's access record survives
	// without activity before maintenance garbage-collects it.
	DefaultTrackerMaxIdle = 24 * time.Hour
)

// accessRecord tracks access history for a single original (un-hashed) key.
type accessRecord struct {
	count      int64
	lastAccess time.Time
	lastTier   string
	recent     []time.Time // ring, newest last, len <= recentHistorySize
}

// AccessTracker records per-key access counts and a bounded recent-access
// history. It drives promotion decisions and importance scoring for eviction
// rescue. Counts are approximate under concurrency by design: promotion
// heuristics are advisory, not correctness-critical.
type AccessTracker struct {
	mu      sync.Mutex
	records map[string]*accessRecord
}

// NewAccessTracker creates an empty tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{
		records: make(map[string]*accessRecord),
	}
}

// Record notes an access to key. tier names where the access was served.
func (t *AccessTracker) Record(key, tier string) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &accessRecord{recent: make([]time.Time, 0, 8)}
		t.records[key] = rec
	}

	rec.count++
	rec.lastAccess = now
	rec.lastTier = tier
	rec.recent = append(rec.recent, now)
	if len(rec.recent) > recentHistorySize {
		rec.recent = rec.recent[len(rec.recent)-recentHistorySize:]
	}
}

// Frequency returns the total access count for key.
func (t *AccessTracker) Frequency(key string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key]; ok {
		return rec.count
	}
	return 0
}

// RecentCount returns how many recorded accesses fall within the trailing
// window. Only the retained ring is considered.
func (t *AccessTracker) RecentCount(key string, window time.Duration) int {
	cutoff := time.Now().Add(-window)

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		return 0
	}

	n := 0
	for i := len(rec.recent) - 1; i >= 0; i-- {
		if rec.recent[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// LastAccess returns the most recent access time for key, or the zero time.
func (t *AccessTracker) LastAccess(key string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[key]; ok {
		return rec.lastAccess
	}
	return time.Time{}
}

// Sweep removes records idle for longer than maxIdle and returns how many
// were dropped. Called periodically by the maintenance scheduler.
func (t *AccessTracker) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if rec.lastAccess.Before(cutoff) {
			delete(t.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *AccessTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Reset drops all access records.
func (t *AccessTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*accessRecord)
}
