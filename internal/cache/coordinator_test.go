package cache

import (
	"context"
	"math/rand"
	"regexp"
	"sync"
	"testing"
	"time"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// fakeDurable is an in-memory DurableStore with a switchable failure mode.
type fakeDurable struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
	failAll bool
	sets    int
	gets    int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{entries: make(map[string]*types.CacheEntry)}
}

func (f *fakeDurable) fail() error {
	return cacheerr.New(cacheerr.ErrCodeDurableUnavailable, "induced fault")
}

func (f *fakeDurable) Get(_ context.Context, hashedKey string) (*types.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failAll {
		return nil, f.fail()
	}
	return f.entries[hashedKey], nil
}

func (f *fakeDurable) Set(_ context.Context, hashedKey string, entry *types.CacheEntry, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.failAll {
		return f.fail()
	}
	f.entries[hashedKey] = entry
	return nil
}

func (f *fakeDurable) Delete(_ context.Context, hashedKey string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, f.fail()
	}
	_, ok := f.entries[hashedKey]
	delete(f.entries, hashedKey)
	return ok, nil
}

func (f *fakeDurable) DeletePattern(_ context.Context, pattern *regexp.Regexp) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, f.fail()
	}
	n := 0
	for hashed, entry := range f.entries {
		if pattern.MatchString(entry.Key) {
			delete(f.entries, hashed)
			n++
		}
	}
	return n, nil
}

func (f *fakeDurable) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return f.fail()
	}
	f.entries = make(map[string]*types.CacheEntry)
	return nil
}

func (f *fakeDurable) Close() error { return nil }

func (f *fakeDurable) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestCoordinator(t *testing.T, config *CoordinatorConfig, durable types.DurableStore) *Coordinator {
	t.Helper()
	if config == nil {
		config = &CoordinatorConfig{IntelligentEviction: true}
	}
	coord, err := NewCoordinator(config, durable)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })
	return coord
}

func TestHashKey(t *testing.T) {
	t.Parallel()

	a := HashKey("product:1")
	b := HashKey("product:2")
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("distinct keys must hash differently")
	}
	if a != HashKey("product:1") {
		t.Error("hashing must be deterministic")
	}
}

func TestGetMissThenHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	if _, ok := coord.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if !coord.Set(ctx, "k", "value", types.SetOptions{}) {
		t.Fatal("Set failed")
	}
	v, ok := coord.Get(ctx, "k")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if v != "value" {
		t.Errorf("value = %v, want %q", v, "value")
	}

	stats := coord.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Sets != 1 {
		t.Errorf("hits/misses/sets = %d/%d/%d, want 1/1/1", stats.Hits, stats.Misses, stats.Sets)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", stats.HitRate)
	}
	if stats.AvgResponseTimeMs < 0 {
		t.Errorf("AvgResponseTimeMs = %v, want >= 0", stats.AvgResponseTimeMs)
	}
}

func TestSetRejectsUnserializable(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, nil, nil)
	if coord.Set(context.Background(), "fn", func() {}, types.SetOptions{}) {
		t.Error("unserializable value should be rejected")
	}
	if stats := coord.Stats(); stats.Sets != 0 {
		t.Errorf("Sets = %d, want 0", stats.Sets)
	}
}

func TestStoragePlacement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("small infrequent goes warm", func(t *testing.T) {
		t.Parallel()
		coord := newTestCoordinator(t, nil, nil)

		coord.Set(ctx, "k", "small", types.SetOptions{})
		if coord.warm.Len() != 1 {
			t.Errorf("warm entries = %d, want 1", coord.warm.Len())
		}
		if coord.hot.Len() != 0 {
			t.Errorf("hot entries = %d, want 0", coord.hot.Len())
		}
	})

	t.Run("small frequent goes hot", func(t *testing.T) {
		t.Parallel()
		coord := newTestCoordinator(t, nil, nil)

		for i := 0; i < 6; i++ {
			coord.tracker.Record("k", TierWarm)
		}
		coord.Set(ctx, "k", "small", types.SetOptions{})
		if coord.hot.Len() != 1 {
			t.Errorf("hot entries = %d, want 1", coord.hot.Len())
		}
	})

	t.Run("large goes cold", func(t *testing.T) {
		t.Parallel()
		coord := newTestCoordinator(t, nil, nil)

		// Incompressible so the stored size stays above the warm bound.
		big := make([]byte, 200*1024)
		rand.New(rand.NewSource(1)).Read(big)

		coord.Set(ctx, "k", big, types.SetOptions{})
		if coord.cold.Len() != 1 {
			t.Errorf("cold entries = %d, want 1", coord.cold.Len())
		}
	})

	t.Run("personalized stays warm regardless of size", func(t *testing.T) {
		t.Parallel()
		coord := newTestCoordinator(t, nil, nil)

		big := make([]byte, 200*1024)
		rand.New(rand.NewSource(2)).Read(big)

		coord.Set(ctx, "k", big, types.SetOptions{Personalized: true})
		if coord.warm.Len() != 1 {
			t.Errorf("warm entries = %d, want 1", coord.warm.Len())
		}
	})
}

func TestResolveTTL(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, &CoordinatorConfig{
		DefaultTTL:      5 * time.Minute,
		PersonalizedTTL: time.Minute,
		TTLOverrides: []TTLOverride{
			{Pattern: "^session:", TTL: 10 * time.Second},
			{Pattern: "^session:admin:", TTL: time.Hour}, // shadowed, first match wins
		},
	}, nil)

	tests := []struct {
		name string
		key  string
		opts types.SetOptions
		want time.Duration
	}{
		{"explicit wins", "session:1", types.SetOptions{TTL: 42 * time.Second}, 42 * time.Second},
		{"override first match", "session:admin:1", types.SetOptions{}, 10 * time.Second},
		{"personalized flag", "catalog:1", types.SetOptions{Personalized: true}, time.Minute},
		{"personalized key convention", "feed:user:9", types.SetOptions{}, time.Minute},
		{"default", "catalog:1", types.SetOptions{}, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := coord.resolveTTL(tt.key, tt.opts); got != tt.want {
				t.Errorf("resolveTTL(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestInvalidTTLOverrideFailsConstruction(t *testing.T) {
	t.Parallel()

	_, err := NewCoordinator(&CoordinatorConfig{
		TTLOverrides: []TTLOverride{{Pattern: "([", TTL: time.Second}},
	}, nil)
	if !cacheerr.IsCode(err, cacheerr.ErrCodeInvalidPattern) {
		t.Fatalf("err = %v, want code %s", err, cacheerr.ErrCodeInvalidPattern)
	}
}

func TestDeleteRemovesFromAllTiers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	coord.Set(ctx, "k", "v", types.SetOptions{})
	hashed := HashKey("k")

	// Simulate a promoted copy living in a second tier.
	if entry := coord.warm.Peek(hashed); entry != nil {
		coord.hot.Set(hashed, entry, int64(entry.Payload.Size()))
	}

	if !coord.Delete(ctx, "k") {
		t.Fatal("Delete should report presence")
	}
	if coord.hot.Len() != 0 || coord.warm.Len() != 0 || coord.cold.Len() != 0 {
		t.Error("key should be gone from every tier")
	}
	if coord.Delete(ctx, "k") {
		t.Error("second Delete should report absence")
	}
}

func TestDeletePattern(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	for _, key := range []string{"user:1:home", "user:2:home", "product:1", "reuser:3"} {
		coord.Set(ctx, key, "v", types.SetOptions{})
	}

	n, err := coord.DeletePattern(ctx, "^user:")
	if err != nil {
		t.Fatalf("DeletePattern: %v", err)
	}
	// Two in-memory removals plus their durable mirrors.
	if n != 4 {
		t.Fatalf("DeletePattern = %d, want 4", n)
	}

	if _, ok := coord.Get(ctx, "product:1"); !ok {
		t.Error("unanchored keys should survive")
	}
	if _, ok := coord.Get(ctx, "reuser:3"); !ok {
		t.Error("substring-only matches should survive an anchored pattern")
	}
}

func TestDeletePatternInvalid(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, nil, nil)
	_, err := coord.DeletePattern(context.Background(), "([")
	if !cacheerr.IsCode(err, cacheerr.ErrCodeInvalidPattern) {
		t.Fatalf("err = %v, want code %s", err, cacheerr.ErrCodeInvalidPattern)
	}
}

func TestDurableMirrorOnSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	coord.Set(ctx, "k", "v", types.SetOptions{}) // warm placement
	if durable.len() != 1 {
		t.Errorf("durable entries = %d, want 1 (warm writes are mirrored)", durable.len())
	}

	for i := 0; i < 6; i++ {
		coord.tracker.Record("hotkey", TierWarm)
	}
	coord.Set(ctx, "hotkey", "v", types.SetOptions{}) // hot placement
	if durable.len() != 1 {
		t.Errorf("durable entries = %d, want 1 (hot writes are not mirrored)", durable.len())
	}
}

func TestDurableFallbackOnMemoryMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	payload, err := coord.codec.Encode("recovered")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	now := time.Now()
	hashed := HashKey("k")
	durable.entries[hashed] = &types.CacheEntry{
		Key:       "k",
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}

	v, ok := coord.Get(ctx, "k")
	if !ok {
		t.Fatal("expected durable fallback hit")
	}
	if v != "recovered" {
		t.Errorf("value = %v, want %q", v, "recovered")
	}

	// The recovered entry is re-cached in the cold tier.
	if coord.cold.Peek(hashed) == nil {
		t.Error("durable hit should re-enter the cold tier")
	}

	stats := coord.Stats()
	if stats.TierHits[TierDurable] != 1 {
		t.Errorf("durable tier hits = %d, want 1", stats.TierHits[TierDurable])
	}
}

func TestDurableExpiredEntryIsMiss(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	payload, _ := coord.codec.Encode("stale")
	hashed := HashKey("k")
	durable.entries[hashed] = &types.CacheEntry{
		Key:       "k",
		Payload:   payload,
		StoredAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}

	if _, ok := coord.Get(context.Background(), "k"); ok {
		t.Error("expired durable entry should read as a miss")
	}
}

func TestDurableFaultIsolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	durable.failAll = true
	coord := newTestCoordinator(t, nil, durable)

	if !coord.Set(ctx, "k", "v", types.SetOptions{}) {
		t.Fatal("Set must succeed despite a failing durable tier")
	}
	if v, ok := coord.Get(ctx, "k"); !ok || v != "v" {
		t.Fatal("in-memory read must succeed despite a failing durable tier")
	}
	if _, ok := coord.Get(ctx, "absent"); ok {
		t.Fatal("durable failure must read as a plain miss")
	}
	if !coord.Delete(ctx, "k") {
		t.Error("Delete must still report the in-memory removal")
	}

	health := coord.Health()
	if health.DurableAvailable {
		t.Error("durable tier should be reported unavailable after faults")
	}
	if health.Status != types.StatusHealthy {
		t.Errorf("status = %q, want %q (memory tiers are intact)", health.Status, types.StatusHealthy)
	}
}

func TestClearPreservesLifetimeCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	coord.Set(ctx, "a", "1", types.SetOptions{})
	coord.Set(ctx, "b", "2", types.SetOptions{})
	coord.Get(ctx, "a")

	n := coord.Clear(ctx, false)
	if n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if durable.len() != 0 {
		t.Error("full clear should empty the durable tier")
	}

	stats := coord.Stats()
	if stats.Hits != 1 || stats.Sets != 2 {
		t.Errorf("hits/sets = %d/%d, want 1/2 (lifetime counters survive)", stats.Hits, stats.Sets)
	}
	if stats.Deletes != 2 {
		t.Errorf("deletes = %d, want 2 (cleared entries count as deletes)", stats.Deletes)
	}
	if coord.tracker.Len() != 0 {
		t.Error("access tracking should reset on clear")
	}
}

func TestClearMemoryOnlyKeepsDurable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	coord.Set(ctx, "a", "1", types.SetOptions{})
	coord.Clear(ctx, true)

	if durable.len() != 1 {
		t.Errorf("durable entries = %d, want 1 (memory-only clear)", durable.len())
	}
}

func TestPromotionWarmToHot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	coord.Set(ctx, "k", "v", types.SetOptions{})
	hashed := HashKey("k")
	if coord.warm.Peek(hashed) == nil {
		t.Fatal("precondition: entry in warm")
	}

	for i := 0; i < 12; i++ {
		coord.tracker.Record("k", TierWarm)
	}
	if _, ok := coord.Get(ctx, "k"); !ok {
		t.Fatal("expected hit")
	}

	if coord.hot.Peek(hashed) == nil {
		t.Error("frequent recent entry should be promoted to hot")
	}
}

func TestPromotionConcurrentGetsLeaveOneHotEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	coord.Set(ctx, "profile:42", "payload-42", types.SetOptions{})
	hashed := HashKey("profile:42")
	if coord.warm.Peek(hashed) == nil {
		t.Fatal("precondition: entry in warm")
	}
	for i := 0; i < 12; i++ {
		coord.tracker.Record("profile:42", TierWarm)
	}

	// Every goroutine races the warm-to-hot promotion path. Duplicate
	// promotions must collapse into a single hot entry, last write wins.
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				v, ok := coord.Get(ctx, "profile:42")
				if !ok {
					t.Error("expected hit")
					return
				}
				if v != "payload-42" {
					t.Errorf("value = %v, want payload-42", v)
					return
				}
			}
		}()
	}
	wg.Wait()

	if coord.hot.Peek(hashed) == nil {
		t.Fatal("entry should be hot after concurrent promotion")
	}
	if n := coord.hot.Len(); n != 1 {
		t.Errorf("hot entries = %d, want 1", n)
	}
	if v, ok := coord.Get(ctx, "profile:42"); !ok || v != "payload-42" {
		t.Errorf("payload after promotion = %v, %v; want payload-42, true", v, ok)
	}
}

func TestPromotionColdToWarm(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	payload, _ := coord.codec.Encode("v")
	hashed := HashKey("k")
	now := time.Now()
	coord.cold.Set(hashed, &types.CacheEntry{
		Key:       "k",
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, int64(payload.Size()))

	coord.tracker.Record("k", TierCold)
	coord.tracker.Record("k", TierCold)
	coord.tracker.Record("k", TierCold)

	if _, ok := coord.Get(ctx, "k"); !ok {
		t.Fatal("expected cold hit")
	}
	if coord.warm.Peek(hashed) == nil {
		t.Error("frequent cold entry should be promoted to warm")
	}
}

func TestPromotionBelowThresholdStaysPut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, nil, nil)

	coord.Set(ctx, "k", "v", types.SetOptions{})
	if _, ok := coord.Get(ctx, "k"); !ok {
		t.Fatal("expected hit")
	}
	if coord.hot.Len() != 0 {
		t.Error("an infrequent entry must not be promoted")
	}
}

func TestEvictionRescue(t *testing.T) {
	t.Parallel()

	durable := newFakeDurable()
	coord := newTestCoordinator(t, nil, durable)

	payload, _ := coord.codec.Encode("v")
	now := time.Now()
	entry := &types.CacheEntry{
		Key:       "k",
		Payload:   payload,
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	hashed := HashKey("k")

	t.Run("infrequent entries are dropped", func(t *testing.T) {
		coord.handleEviction(TierHot, hashed, entry)
		if coord.warm.Peek(hashed) != nil {
			t.Error("entry below the frequency bar must not be rescued")
		}
	})

	for i := 0; i < 6; i++ {
		coord.tracker.Record("k", TierHot)
	}

	t.Run("hot eviction rescues to warm", func(t *testing.T) {
		coord.handleEviction(TierHot, hashed, entry)
		if coord.warm.Peek(hashed) == nil {
			t.Error("frequent hot eviction should land in warm")
		}
	})

	t.Run("warm eviction rescues to durable", func(t *testing.T) {
		coord.handleEviction(TierWarm, hashed, entry)
		if durable.len() != 1 {
			t.Errorf("durable entries = %d, want 1", durable.len())
		}
	})

	t.Run("expired entries are not rescued", func(t *testing.T) {
		stale := &types.CacheEntry{
			Key:       "k",
			Payload:   payload,
			StoredAt:  now.Add(-2 * time.Hour),
			ExpiresAt: now.Add(-time.Hour),
		}
		before := durable.len()
		coord.handleEviction(TierWarm, hashed, stale)
		if durable.len() != before {
			t.Error("an already-expired eviction must not reach the durable tier")
		}
	})

	if stats := coord.Stats(); stats.Evictions != 4 {
		t.Errorf("evictions = %d, want 4", stats.Evictions)
	}
}

func TestEvictionRescueDisabled(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, &CoordinatorConfig{IntelligentEviction: false}, nil)

	payload, _ := coord.codec.Encode("v")
	now := time.Now()
	entry := &types.CacheEntry{Key: "k", Payload: payload, StoredAt: now, ExpiresAt: now.Add(time.Hour)}
	hashed := HashKey("k")

	for i := 0; i < 6; i++ {
		coord.tracker.Record("k", TierHot)
	}
	coord.handleEviction(TierHot, hashed, entry)
	if coord.warm.Peek(hashed) != nil {
		t.Error("rescue must be off when intelligent eviction is disabled")
	}
}

func TestGetDecodeFailureIsMiss(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, nil, nil)

	now := time.Now()
	hashed := HashKey("k")
	coord.hot.Set(hashed, &types.CacheEntry{
		Key: "k",
		Payload: types.Payload{
			Compressed:     true,
			Data:           []byte("not gzip"),
			OriginalSize:   100,
			CompressedSize: 8,
		},
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}, 8)

	if _, ok := coord.Get(context.Background(), "k"); ok {
		t.Fatal("corrupt payload must read as a miss")
	}
	if stats := coord.Stats(); stats.Misses != 1 || stats.Hits != 0 {
		t.Errorf("hits/misses = %d/%d, want 0/1", stats.Hits, stats.Misses)
	}

	// The corrupt entry is dropped so it cannot keep absorbing reads.
	if coord.hot.Peek(hashed) != nil {
		t.Error("corrupt entry should be evicted from its tier")
	}
	if _, ok := coord.Get(context.Background(), "k"); ok {
		t.Fatal("expected a clean miss after the corrupt entry is dropped")
	}
}

func TestHealthNeverPanics(t *testing.T) {
	t.Parallel()

	coord := newTestCoordinator(t, nil, nil)

	health := coord.Health()
	if health.Status != types.StatusHealthy {
		t.Errorf("status = %q, want %q", health.Status, types.StatusHealthy)
	}

	// Break an internal tier; Health must degrade, not panic.
	coord.cold = nil
	health = coord.Health()
	if health.Status == types.StatusHealthy {
		t.Errorf("status = %q, want degraded or unhealthy", health.Status)
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	coord, err := NewCoordinator(nil, nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	if err := coord.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := coord.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if coord.Set(context.Background(), "k", "v", types.SetOptions{}) {
		t.Error("Set after Close must be refused")
	}
}

func TestMissSchedulesSiblingPrefetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coord := newTestCoordinator(t, &CoordinatorConfig{
		IntelligentEviction: true,
		Prefetch:            &PrefetchConfig{Enabled: true, QueueDepth: 16},
	}, nil)

	coord.Set(ctx, "product:1", "a", types.SetOptions{})
	coord.Set(ctx, "product:2", "b", types.SetOptions{})
	coord.Get(ctx, "product:3")

	if got := coord.prefetcher.QueueDepth(); got != 2 {
		t.Errorf("prefetch queue depth = %d, want 2", got)
	}
}
