package cache

import (
	"container/list"
	"regexp"
	"sync"
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

// Tier names used across the coordinator, metrics, and eviction callbacks.
const (
	TierHot     = "hot"
	TierWarm    = "warm"
	TierCold    = "cold"
	TierDurable = "durable"
)

// EvictionCallback is invoked when a tier evicts an entry under capacity
// pressure. It is never invoked for TTL expiry. Callbacks run outside the
// tier's lock so they may safely write to other tiers or perform I/O.
type EvictionCallback func(tier, hashedKey string, entry *types.CacheEntry)

// TierConfig holds the immutable per-tier constants.
type TierConfig struct {
	Name string `yaml:"name"`

	// Capacity is the maximum aggregate stored byte size.
	Capacity int64 `yaml:"capacity"`

	// TTL bounds how long an entry may reside in this tier.
	TTL time.Duration `yaml:"ttl"`

	// TouchOnGet refreshes an entry's residency clock on every hit. Cold
	// entries are meant to decay naturally, so the cold tier leaves this
	// off.
	TouchOnGet bool `yaml:"touch_on_get"`
}

type tierItem struct {
	hashedKey   string
	entry       *types.CacheEntry
	size        int64
	refreshedAt time.Time
	element     *list.Element
}

// Tier is one bounded in-memory cache layer: a hash-keyed map with LRU
// eviction once aggregate byte size exceeds capacity, and TTL expiry checked
// on access. Three instances (hot/warm/cold) form the in-memory hierarchy.
type Tier struct {
	mu          sync.RWMutex
	config      TierConfig
	items       map[string]*tierItem
	evictList   *list.List
	currentSize int64
	onEvict     EvictionCallback

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// NewTier creates a tier with the given configuration.
func NewTier(config TierConfig, onEvict EvictionCallback) *Tier {
	return &Tier{
		config:    config,
		items:     make(map[string]*tierItem),
		evictList: list.New(),
		onEvict:   onEvict,
	}
}

// Name returns the tier's name.
func (t *Tier) Name() string {
	return t.config.Name
}

// Get returns the entry for hashedKey, or nil on miss or expiry. A hit
// refreshes LRU position; when TouchOnGet is set it also restarts the
// entry's residency clock.
func (t *Tier) Get(hashedKey string) *types.CacheEntry {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[hashedKey]
	if !ok {
		t.misses++
		return nil
	}

	if t.expired(item, now) {
		t.removeLocked(item)
		t.expirations++
		t.misses++
		return nil
	}

	if t.config.TouchOnGet {
		item.refreshedAt = now
	}
	t.evictList.MoveToFront(item.element)
	t.hits++
	return item.entry
}

// Peek returns the entry without updating LRU position or residency. Used
// by probes that must not count as accesses.
func (t *Tier) Peek(hashedKey string) *types.CacheEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	item, ok := t.items[hashedKey]
	if !ok || t.expired(item, time.Now()) {
		return nil
	}
	return item.entry
}

// Set stores the entry under hashedKey, replacing any prior value, then
// evicts least-recently-used entries until the tier fits its capacity.
// Capacity evictions are reported through the eviction callback after the
// lock is released.
func (t *Tier) Set(hashedKey string, entry *types.CacheEntry, size int64) {
	now := time.Now()

	t.mu.Lock()

	if item, ok := t.items[hashedKey]; ok {
		t.currentSize += size - item.size
		item.entry = entry
		item.size = size
		item.refreshedAt = now
		t.evictList.MoveToFront(item.element)
	} else {
		item := &tierItem{
			hashedKey:   hashedKey,
			entry:       entry,
			size:        size,
			refreshedAt: now,
		}
		item.element = t.evictList.PushFront(item)
		t.items[hashedKey] = item
		t.currentSize += size
	}

	evicted := t.evictOverflowLocked()
	t.mu.Unlock()

	if t.onEvict != nil {
		for _, item := range evicted {
			t.onEvict(t.config.Name, item.hashedKey, item.entry)
		}
	}
}

// Delete removes hashedKey and reports whether it was present.
func (t *Tier) Delete(hashedKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	item, ok := t.items[hashedKey]
	if !ok {
		return false
	}
	t.removeLocked(item)
	return true
}

// DeleteMatching removes every entry whose original key matches pattern and
// returns the number removed. Pattern deletion inspects the original key
// stored inside each entry, not the hashed lookup key.
func (t *Tier) DeleteMatching(pattern *regexp.Regexp) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []*tierItem
	for _, item := range t.items {
		if pattern.MatchString(item.entry.Key) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		t.removeLocked(item)
	}
	return len(doomed)
}

// Clear removes every entry and returns the number removed.
func (t *Tier) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.items)
	t.items = make(map[string]*tierItem)
	t.evictList.Init()
	t.currentSize = 0
	return n
}

// Size returns the aggregate stored byte size.
func (t *Tier) Size() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentSize
}

// Len returns the number of stored entries.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Stats returns a snapshot of the tier's counters and usage.
func (t *Tier) Stats() types.TierStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := types.TierStats{
		Name:        t.config.Name,
		Hits:        t.hits,
		Misses:      t.misses,
		Evictions:   t.evictions,
		Expirations: t.expirations,
		Entries:     len(t.items),
		Size:        t.currentSize,
		Capacity:    t.config.Capacity,
	}
	if t.config.Capacity > 0 {
		stats.Utilization = float64(t.currentSize) / float64(t.config.Capacity)
	}
	return stats
}

// RemoveExpired drops every expired entry and returns how many were removed.
// Called by the maintenance scheduler; these do not fire eviction callbacks.
func (t *Tier) RemoveExpired() int {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var doomed []*tierItem
	for _, item := range t.items {
		if t.expired(item, now) {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		t.removeLocked(item)
		t.expirations++
	}
	return len(doomed)
}

func (t *Tier) expired(item *tierItem, now time.Time) bool {
	if item.entry.Expired(now) {
		return true
	}
	if t.config.TTL > 0 && now.Sub(item.refreshedAt) > t.config.TTL {
		return true
	}
	return false
}

func (t *Tier) removeLocked(item *tierItem) {
	t.evictList.Remove(item.element)
	delete(t.items, item.hashedKey)
	t.currentSize -= item.size
}

// evictOverflowLocked evicts from the list back until the tier fits its
// capacity, returning the evicted items for callback dispatch.
func (t *Tier) evictOverflowLocked() []*tierItem {
	if t.config.Capacity <= 0 {
		return nil
	}

	// The most recent insert is never evicted, so a single oversized
	// entry can transiently exceed capacity rather than bouncing.
	var evicted []*tierItem
	for t.currentSize > t.config.Capacity && t.evictList.Len() > 1 {
		element := t.evictList.Back()
		item := element.Value.(*tierItem)
		t.removeLocked(item)
		t.evictions++
		evicted = append(evicted, item)
	}
	return evicted
}
