package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Default policy constants. All thresholds are tunable via CoordinatorConfig;
// the defaults preserve the reference behavior.
const (
	DefaultTotalCapacity = 256 * 1024 * 1024

	DefaultHotTTL  = 30 * time.Second
	DefaultWarmTTL = 5 * time.Minute
	DefaultColdTTL = time.Hour

	DefaultTTL             = 5 * time.Minute
	DefaultPersonalizedTTL = time.Minute

	DefaultPromoteHotMinFrequency  = 10
	DefaultPromoteHotMinRecent     = 3
	DefaultRecentWindow            = 5 * time.Minute
	DefaultPromoteWarmMinFrequency = 2
	DefaultFrequentMinFrequency    = 5

	DefaultHotMaxObjectSize  = 10 * 1024
	DefaultWarmMaxObjectSize = 100 * 1024

	DefaultDurableTimeout = 2 * time.Second

	// Capacity split across the in-memory tiers. The remaining 25% of the
	// configured budget is conceptually reserved for the durable tier.
	hotCapacityShare  = 0.15
	warmCapacityShare = 0.35
	coldCapacityShare = 0.25
)

// MetricsRecorder receives operation-level measurements. Implemented by
// internal/metrics; a nil recorder disables instrumentation.
type MetricsRecorder interface {
	RecordOperation(op string, duration time.Duration, success bool)
	RecordTierHit(tier string)
	RecordEviction(tier string)
	ObserveTierSize(tier string, bytes int64)
	SetCompressionSaved(bytes int64)
}

// TTLOverride maps a key pattern to a fixed TTL. Overrides are evaluated in
// registration order; the first match wins.
type TTLOverride struct {
	Pattern string        `yaml:"pattern"`
	TTL     time.Duration `yaml:"ttl"`
}

type compiledOverride struct {
	re  *regexp.Regexp
	ttl time.Duration
}

// CoordinatorConfig configures the cache coordinator and its tiers.
type CoordinatorConfig struct {
	TotalCapacity int64 `yaml:"total_capacity"`

	HotTTL  time.Duration `yaml:"hot_ttl"`
	WarmTTL time.Duration `yaml:"warm_ttl"`
	ColdTTL time.Duration `yaml:"cold_ttl"`

	DefaultTTL      time.Duration `yaml:"default_ttl"`
	PersonalizedTTL time.Duration `yaml:"personalized_ttl"`
	TTLOverrides    []TTLOverride `yaml:"ttl_overrides"`

	PromoteHotMinFrequency  int64         `yaml:"promote_hot_min_frequency"`
	PromoteHotMinRecent     int           `yaml:"promote_hot_min_recent"`
	RecentWindow            time.Duration `yaml:"recent_window"`
	PromoteWarmMinFrequency int64         `yaml:"promote_warm_min_frequency"`
	FrequentMinFrequency    int64         `yaml:"frequent_min_frequency"`

	IntelligentEviction bool `yaml:"intelligent_eviction"`

	HotMaxObjectSize  int64 `yaml:"hot_max_object_size"`
	WarmMaxObjectSize int64 `yaml:"warm_max_object_size"`

	DurableTimeout time.Duration `yaml:"durable_timeout"`

	Codec       *CodecConfig       `yaml:"codec"`
	Prefetch    *PrefetchConfig    `yaml:"prefetch"`
	Maintenance *MaintenanceConfig `yaml:"maintenance"`

	Logger  *slog.Logger    `yaml:"-"`
	Metrics MetricsRecorder `yaml:"-"`

	// PrefetchLoader recomputes missed values during prefetch draining.
	PrefetchLoader PrefetchLoader `yaml:"-"`
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.TotalCapacity <= 0 {
		c.TotalCapacity = DefaultTotalCapacity
	}
	if c.HotTTL <= 0 {
		c.HotTTL = DefaultHotTTL
	}
	if c.WarmTTL <= 0 {
		c.WarmTTL = DefaultWarmTTL
	}
	if c.ColdTTL <= 0 {
		c.ColdTTL = DefaultColdTTL
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.PersonalizedTTL <= 0 {
		c.PersonalizedTTL = DefaultPersonalizedTTL
	}
	if c.PromoteHotMinFrequency <= 0 {
		c.PromoteHotMinFrequency = DefaultPromoteHotMinFrequency
	}
	if c.PromoteHotMinRecent <= 0 {
		c.PromoteHotMinRecent = DefaultPromoteHotMinRecent
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	if c.PromoteWarmMinFrequency <= 0 {
		c.PromoteWarmMinFrequency = DefaultPromoteWarmMinFrequency
	}
	if c.FrequentMinFrequency <= 0 {
		c.FrequentMinFrequency = DefaultFrequentMinFrequency
	}
	if c.HotMaxObjectSize <= 0 {
		c.HotMaxObjectSize = DefaultHotMaxObjectSize
	}
	if c.WarmMaxObjectSize <= 0 {
		c.WarmMaxObjectSize = DefaultWarmMaxObjectSize
	}
	if c.DurableTimeout <= 0 {
		c.DurableTimeout = DefaultDurableTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Coordinator is the public-facing orchestrator of the tiered cache. It owns
// the three in-memory tiers, the optional durable tier, the access tracker,
// the codec, and the maintenance scheduler.
type Coordinator struct {
	config  *CoordinatorConfig
	hot     *Tier
	warm    *Tier
	cold    *Tier
	durable types.DurableStore

	codec       *Codec
	tracker     *AccessTracker
	prefetcher  *Prefetcher
	maintenance *Maintenance
	overrides   []compiledOverride

	group   singleflight.Group
	logger  *slog.Logger
	metrics MetricsRecorder

	statsMu    sync.Mutex
	hits       uint64
	misses     uint64
	sets       uint64
	deletes    uint64
	evictions  uint64
	tierHits   map[string]uint64
	gets       uint64
	avgLatency float64 // milliseconds, incrementally updated

	durableUp atomic.Bool
	closed    atomic.Bool
}

// NewCoordinator creates a coordinator with the given configuration and an
// optional durable store (nil disables the durable tier). TTL override
// patterns are compiled eagerly; an invalid pattern fails construction.
func NewCoordinator(config *CoordinatorConfig, durable types.DurableStore) (*Coordinator, error) {
	if config == nil {
		config = &CoordinatorConfig{IntelligentEviction: true}
	}
	config.applyDefaults()

	overrides := make([]compiledOverride, 0, len(config.TTLOverrides))
	for _, o := range config.TTLOverrides {
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return nil, cacheerr.Wrap(err, cacheerr.ErrCodeInvalidPattern,
				fmt.Sprintf("ttl override pattern %q", o.Pattern)).
				WithComponent("coordinator")
		}
		overrides = append(overrides, compiledOverride{re: re, ttl: o.TTL})
	}

	c := &Coordinator{
		config:    config,
		durable:   durable,
		codec:     NewCodec(config.Codec, config.Logger),
		tracker:   NewAccessTracker(),
		overrides: overrides,
		logger:    config.Logger,
		metrics:   config.Metrics,
		tierHits:  make(map[string]uint64),
	}
	c.durableUp.Store(durable != nil)

	c.hot = NewTier(TierConfig{
		Name:       TierHot,
		Capacity:   int64(float64(config.TotalCapacity) * hotCapacityShare),
		TTL:        config.HotTTL,
		TouchOnGet: true,
	}, c.handleEviction)
	c.warm = NewTier(TierConfig{
		Name:       TierWarm,
		Capacity:   int64(float64(config.TotalCapacity) * warmCapacityShare),
		TTL:        config.WarmTTL,
		TouchOnGet: true,
	}, c.handleEviction)
	c.cold = NewTier(TierConfig{
		Name:       TierCold,
		Capacity:   int64(float64(config.TotalCapacity) * coldCapacityShare),
		TTL:        config.ColdTTL,
		TouchOnGet: false,
	}, c.handleEviction)

	c.prefetcher = NewPrefetcher(config.Prefetch, config.PrefetchLoader, config.Logger)
	c.maintenance = NewMaintenance(config.Maintenance, c)
	c.maintenance.Start()

	return c, nil
}

// HashKey derives the fixed-length digest used as the lookup key in every
// tier. Hashing bounds stored key length and normalizes comparisons.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get probes hot, warm, cold, then the durable tier in that order, returning
// the decoded value on first hit. Warm and cold hits are evaluated for
// promotion. A failure in any tier never blocks probing the next; a miss is
// indistinguishable from a degraded tier.
func (c *Coordinator) Get(ctx context.Context, key string) (any, bool) {
	start := time.Now()
	hashed := HashKey(key)

	if entry := c.hot.Get(hashed); entry != nil {
		return c.finishHit(start, hashed, key, TierHot, entry)
	}

	if entry := c.warm.Get(hashed); entry != nil {
		c.maybePromoteToHot(hashed, key, entry)
		return c.finishHit(start, hashed, key, TierWarm, entry)
	}

	if entry := c.cold.Get(hashed); entry != nil {
		c.maybePromoteToWarm(hashed, key, entry)
		return c.finishHit(start, hashed, key, TierCold, entry)
	}

	if entry := c.durableGet(ctx, hashed); entry != nil {
		// Recovered entries land in cold and decay normally from there.
		c.cold.Set(hashed, entry, int64(entry.Payload.Size()))
		return c.finishHit(start, hashed, key, TierDurable, entry)
	}

	c.recordMiss(start)
	c.prefetcher.ObserveMiss(key)
	return nil, false
}

// Set compresses and stores a value, choosing a tier by size and access
// frequency. Non-hot placements are mirrored to the durable tier for
// durability. Returns false only when the value cannot be serialized.
func (c *Coordinator) Set(ctx context.Context, key string, value any, opts types.SetOptions) bool {
	if c.closed.Load() {
		return false
	}

	start := time.Now()
	hashed := HashKey(key)
	ttl := c.resolveTTL(key, opts)

	payload, err := c.codec.Encode(value)
	if err != nil {
		c.logger.Warn("set rejected, value not serializable", "key", key, "error", err)
		c.recordOperation("set", start, false)
		return false
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:       key,
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		Metadata:  opts.ToMetadata(),
	}
	size := int64(c.codec.EstimateSize(payload))

	tier := c.selectStorageTier(key, size, opts)
	tier.Set(hashed, entry, size)

	if tier != c.hot && c.durable != nil {
		c.durableSet(ctx, hashed, entry, ttl)
	}

	c.statsMu.Lock()
	c.sets++
	c.statsMu.Unlock()

	c.tracker.Record(key, tier.Name())
	c.prefetcher.Learn(key)
	c.recordOperation("set", start, true)
	return true
}

// Delete removes the key from every in-memory tier and the durable tier,
// reporting whether any tier held it.
func (c *Coordinator) Delete(ctx context.Context, key string) bool {
	start := time.Now()
	hashed := HashKey(key)

	// No short-circuit: the key must leave every tier.
	hot := c.hot.Delete(hashed)
	warm := c.warm.Delete(hashed)
	cold := c.cold.Delete(hashed)
	found := hot || warm || cold

	if c.durable != nil {
		ctx, cancel := context.WithTimeout(ctx, c.config.DurableTimeout)
		defer cancel()
		ok, err := c.durable.Delete(ctx, hashed)
		if err != nil {
			c.durableDegraded("delete", err)
		} else {
			c.durableUp.Store(true)
			found = found || ok
		}
	}

	c.statsMu.Lock()
	c.deletes++
	c.statsMu.Unlock()
	c.recordOperation("delete", start, true)
	return found
}

// DeletePattern removes every entry whose original key matches the regular
// expression, across all in-memory tiers and the durable tier, returning the
// total removed. An invalid pattern is rejected; it is the only caller input
// the cache refuses rather than approximates.
func (c *Coordinator) DeletePattern(ctx context.Context, pattern string) (int, error) {
	start := time.Now()

	re, err := regexp.Compile(pattern)
	if err != nil {
		c.recordOperation("delete_pattern", start, false)
		return 0, cacheerr.Wrap(err, cacheerr.ErrCodeInvalidPattern,
			fmt.Sprintf("pattern %q", pattern)).
			WithComponent("coordinator").
			WithOperation("delete_pattern")
	}

	count := c.hot.DeleteMatching(re)
	count += c.warm.DeleteMatching(re)
	count += c.cold.DeleteMatching(re)

	if c.durable != nil {
		ctx, cancel := context.WithTimeout(ctx, c.config.DurableTimeout)
		defer cancel()
		n, err := c.durable.DeletePattern(ctx, re)
		if err != nil {
			c.durableDegraded("delete_pattern", err)
		} else {
			c.durableUp.Store(true)
			count += n
		}
	}

	c.statsMu.Lock()
	c.deletes += uint64(count)
	c.statsMu.Unlock()
	c.recordOperation("delete_pattern", start, true)
	return count, nil
}

// Clear empties all in-memory tiers and, unless memoryOnly is set, the
// durable tier. Access tracking and prefetch state are reset; lifetime
// statistics counters other than deletes are preserved.
func (c *Coordinator) Clear(ctx context.Context, memoryOnly bool) int {
	count := c.hot.Clear()
	count += c.warm.Clear()
	count += c.cold.Clear()

	if !memoryOnly && c.durable != nil {
		ctx, cancel := context.WithTimeout(ctx, c.config.DurableTimeout)
		defer cancel()
		if err := c.durable.Clear(ctx); err != nil {
			c.durableDegraded("clear", err)
		} else {
			c.durableUp.Store(true)
		}
	}

	c.tracker.Reset()
	c.prefetcher.Reset()

	c.statsMu.Lock()
	c.deletes += uint64(count)
	c.statsMu.Unlock()
	return count
}

// Stats returns a snapshot of cache statistics. Only Get calls count as
// requests for hit-rate purposes.
func (c *Coordinator) Stats() types.CacheStats {
	tiers := map[string]types.TierStats{
		TierHot:  c.hot.Stats(),
		TierWarm: c.warm.Stats(),
		TierCold: c.cold.Stats(),
	}

	c.statsMu.Lock()
	stats := types.CacheStats{
		Hits:                  c.hits,
		Misses:                c.misses,
		Sets:                  c.sets,
		Deletes:               c.deletes,
		Evictions:             c.evictions,
		AvgResponseTimeMs:     c.avgLatency,
		CompressionSavedBytes: c.codec.SavedBytes(),
		TierHits:              make(map[string]uint64, len(c.tierHits)),
		Tiers:                 tiers,
	}
	for tier, n := range c.tierHits {
		stats.TierHits[tier] = n
	}
	c.statsMu.Unlock()

	for _, ts := range tiers {
		stats.Size += ts.Size
		stats.Capacity += ts.Capacity
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Health reports a point-in-time health snapshot. It never panics: a fault
// while computing statistics degrades the report to unhealthy rather than
// propagating.
func (c *Coordinator) Health() (status types.HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = types.HealthStatus{
				Status:    types.StatusUnhealthy,
				Timestamp: time.Now(),
			}
		}
	}()

	state := types.StatusHealthy
	if c.hot == nil || c.warm == nil || c.cold == nil {
		state = types.StatusDegraded
	}

	stats := c.Stats()
	return types.HealthStatus{
		Status:            state,
		HitRate:           stats.HitRate,
		Utilization:       stats.Utilization,
		AvgResponseTimeMs: stats.AvgResponseTimeMs,
		Tiers:             stats.Tiers,
		DurableAvailable:  c.durableUp.Load(),
		Timestamp:         time.Now(),
	}
}

// Close stops background maintenance and synchronously clears all in-memory
// tiers and trackers. Idempotent.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.maintenance.Stop()
	c.hot.Clear()
	c.warm.Clear()
	c.cold.Clear()
	c.tracker.Reset()
	c.prefetcher.Reset()
	return nil
}

// Tracker exposes the access tracker for maintenance and tests.
func (c *Coordinator) Tracker() *AccessTracker {
	return c.tracker
}

// resolveTTL determines the TTL for a key: explicit option first, then
// registered pattern overrides in order, then the personalization
// convention, then the default.
func (c *Coordinator) resolveTTL(key string, opts types.SetOptions) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	for _, o := range c.overrides {
		if o.re.MatchString(key) {
			return o.ttl
		}
	}
	if opts.Personalized || isPersonalizedKey(key) {
		return c.config.PersonalizedTTL
	}
	return c.config.DefaultTTL
}

// isPersonalizedKey applies the key naming convention for user-scoped
// content.
func isPersonalizedKey(key string) bool {
	return strings.Contains(key, "user:") || strings.Contains(key, "personalized")
}

// selectStorageTier picks the write placement: small frequently-accessed
// values go hot, medium or personalized values go warm, everything else
// cold.
func (c *Coordinator) selectStorageTier(key string, size int64, opts types.SetOptions) *Tier {
	if size < c.config.HotMaxObjectSize && c.tracker.Frequency(key) > c.config.FrequentMinFrequency {
		return c.hot
	}
	if size < c.config.WarmMaxObjectSize || opts.Personalized {
		return c.warm
	}
	return c.cold
}

func (c *Coordinator) maybePromoteToHot(hashed, key string, entry *types.CacheEntry) {
	if c.tracker.Frequency(key) > c.config.PromoteHotMinFrequency &&
		c.tracker.RecentCount(key, c.config.RecentWindow) > c.config.PromoteHotMinRecent {
		c.hot.Set(hashed, entry, int64(entry.Payload.Size()))
	}
}

func (c *Coordinator) maybePromoteToWarm(hashed, key string, entry *types.CacheEntry) {
	if c.tracker.Frequency(key) > c.config.PromoteWarmMinFrequency {
		c.warm.Set(hashed, entry, int64(entry.Payload.Size()))
	}
}

// handleEviction is the tier eviction callback. Important entries are
// rescued one step down the promotion graph: hot evictions re-enter warm,
// warm evictions are pushed to the durable tier. The graph is strictly
// hot->warm->durable, so rescue can never recurse back into the evicting
// tier. Cold evictions are not rescued.
func (c *Coordinator) handleEviction(tier, hashedKey string, entry *types.CacheEntry) {
	c.statsMu.Lock()
	c.evictions++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordEviction(tier)
	}

	if !c.config.IntelligentEviction {
		return
	}
	if c.tracker.Frequency(entry.Key) <= c.config.FrequentMinFrequency {
		return
	}

	switch tier {
	case TierHot:
		c.warm.Set(hashedKey, entry, int64(entry.Payload.Size()))
	case TierWarm:
		if c.durable == nil {
			return
		}
		remaining := time.Until(entry.ExpiresAt)
		if remaining <= 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DurableTimeout)
		defer cancel()
		if err := c.durable.Set(ctx, hashedKey, entry, remaining); err != nil {
			c.durableDegraded("rescue", err)
		}
	}
}

// durableGet reads from the durable tier with a bounded wait, deduplicating
// concurrent fetches of the same key.
func (c *Coordinator) durableGet(ctx context.Context, hashed string) *types.CacheEntry {
	if c.durable == nil {
		return nil
	}

	v, err, _ := c.group.Do(hashed, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, c.config.DurableTimeout)
		defer cancel()
		return c.durable.Get(ctx, hashed)
	})
	if err != nil {
		c.durableDegraded("get", err)
		return nil
	}
	c.durableUp.Store(true)

	entry, _ := v.(*types.CacheEntry)
	if entry == nil || entry.Expired(time.Now()) {
		return nil
	}
	return entry
}

// durableSet mirrors an entry into the durable tier with a bounded wait.
func (c *Coordinator) durableSet(ctx context.Context, hashed string, entry *types.CacheEntry, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.config.DurableTimeout)
	defer cancel()
	if err := c.durable.Set(ctx, hashed, entry, ttl); err != nil {
		c.durableDegraded("set", err)
		return
	}
	c.durableUp.Store(true)
}

// durableDegraded records a durable-tier fault. Durable failures never fail
// the overall operation; the in-memory tiers remain authoritative.
func (c *Coordinator) durableDegraded(op string, err error) {
	c.durableUp.Store(false)
	c.logger.Warn("durable tier unavailable", "op", op, "error", err)
}

// finishHit records the hit and decodes the payload. A decode failure is
// reported as a miss and the corrupt entry is dropped from the in-memory
// tiers, so the next read goes through instead of re-hitting the same bad
// payload; corrupt payloads are indistinguishable from absent ones to the
// caller.
func (c *Coordinator) finishHit(start time.Time, hashed, key, tier string, entry *types.CacheEntry) (any, bool) {
	var value any
	if err := c.codec.Decode(entry.Payload, &value); err != nil {
		c.logger.Error("payload decode failed, dropping entry", "key", key, "tier", tier, "error", err)
		c.hot.Delete(hashed)
		c.warm.Delete(hashed)
		c.cold.Delete(hashed)
		c.recordMiss(start)
		return nil, false
	}

	c.tracker.Record(key, tier)

	elapsed := time.Since(start)
	c.statsMu.Lock()
	c.hits++
	c.tierHits[tier]++
	c.gets++
	c.avgLatency += (float64(elapsed.Microseconds())/1000 - c.avgLatency) / float64(c.gets)
	c.statsMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordOperation("get", elapsed, true)
		c.metrics.RecordTierHit(tier)
	}
	return value, true
}

func (c *Coordinator) recordMiss(start time.Time) {
	elapsed := time.Since(start)
	c.statsMu.Lock()
	c.misses++
	c.gets++
	c.avgLatency += (float64(elapsed.Microseconds())/1000 - c.avgLatency) / float64(c.gets)
	c.statsMu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordOperation("get", elapsed, false)
	}
}

func (c *Coordinator) recordOperation(op string, start time.Time, success bool) {
	if c.metrics != nil {
		c.metrics.RecordOperation(op, time.Since(start), success)
	}
}
