package cache

import (
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/types"
)

func testEntry(key string, ttl time.Duration) *types.CacheEntry {
	now := time.Now()
	return &types.CacheEntry{
		Key:       key,
		Payload:   types.Payload{Data: []byte(key)},
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestTierSetGet(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierWarm, Capacity: 1024, TTL: time.Minute}, nil)

	hashed := HashKey("k")
	tier.Set(hashed, testEntry("k", time.Minute), 10)

	entry := tier.Get(hashed)
	if entry == nil {
		t.Fatal("expected hit")
	}
	if entry.Key != "k" {
		t.Errorf("Key = %q, want %q", entry.Key, "k")
	}
	if tier.Len() != 1 || tier.Size() != 10 {
		t.Errorf("Len/Size = %d/%d, want 1/10", tier.Len(), tier.Size())
	}

	if tier.Get(HashKey("missing")) != nil {
		t.Error("expected miss for unknown key")
	}

	stats := tier.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func TestTierReplaceAdjustsSize(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierWarm, Capacity: 1024}, nil)
	hashed := HashKey("k")

	tier.Set(hashed, testEntry("k", time.Minute), 100)
	tier.Set(hashed, testEntry("k", time.Minute), 40)

	if tier.Len() != 1 {
		t.Errorf("Len = %d, want 1", tier.Len())
	}
	if tier.Size() != 40 {
		t.Errorf("Size = %d, want 40", tier.Size())
	}
}

func TestTierExpiry(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierHot, Capacity: 1024, TTL: time.Minute}, nil)
	hashed := HashKey("k")

	tier.Set(hashed, testEntry("k", -time.Second), 10)

	if tier.Get(hashed) != nil {
		t.Fatal("expired entry should read as a miss")
	}
	if tier.Len() != 0 {
		t.Error("expired entry should be removed on access")
	}

	stats := tier.Stats()
	if stats.Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", stats.Expirations)
	}
}

func TestTierLRUEviction(t *testing.T) {
	t.Parallel()

	var evicted []string
	tier := NewTier(TierConfig{Name: TierHot, Capacity: 30}, func(tierName, hashedKey string, entry *types.CacheEntry) {
		if tierName != TierHot {
			t.Errorf("callback tier = %q, want %q", tierName, TierHot)
		}
		evicted = append(evicted, entry.Key)
	})

	tier.Set(HashKey("a"), testEntry("a", time.Minute), 10)
	tier.Set(HashKey("b"), testEntry("b", time.Minute), 10)
	tier.Set(HashKey("c"), testEntry("c", time.Minute), 10)

	// Touch "a" so "b" becomes least recently used.
	if tier.Get(HashKey("a")) == nil {
		t.Fatal("expected hit for a")
	}

	tier.Set(HashKey("d"), testEntry("d", time.Minute), 10)

	if tier.Get(HashKey("b")) != nil {
		t.Error("least recently used entry should have been evicted")
	}
	if tier.Get(HashKey("a")) == nil || tier.Get(HashKey("c")) == nil || tier.Get(HashKey("d")) == nil {
		t.Error("recently used entries should survive")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("evicted = %v, want [b]", evicted)
	}
}

func TestTierOversizedEntryNotBounced(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierCold, Capacity: 100}, nil)

	// A single entry above capacity is admitted rather than immediately
	// evicting itself.
	tier.Set(HashKey("big"), testEntry("big", time.Minute), 500)
	if tier.Get(HashKey("big")) == nil {
		t.Fatal("oversized lone entry should remain resident")
	}

	// The next insert pushes the oversized entry out.
	tier.Set(HashKey("small"), testEntry("small", time.Minute), 10)
	if tier.Get(HashKey("big")) != nil {
		t.Error("oversized entry should be evicted once a newer entry arrives")
	}
}

func TestTierPeekDoesNotTouch(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierCold, Capacity: 20}, nil)

	tier.Set(HashKey("a"), testEntry("a", time.Minute), 10)
	tier.Set(HashKey("b"), testEntry("b", time.Minute), 10)

	if tier.Peek(HashKey("a")) == nil {
		t.Fatal("expected peek hit")
	}

	// Peek must not refresh LRU order, so "a" is still the eviction victim.
	tier.Set(HashKey("c"), testEntry("c", time.Minute), 10)
	if tier.Peek(HashKey("a")) != nil {
		t.Error("peeked entry should still be evicted first")
	}
}

func TestTierDelete(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierWarm, Capacity: 1024}, nil)
	hashed := HashKey("k")
	tier.Set(hashed, testEntry("k", time.Minute), 10)

	if !tier.Delete(hashed) {
		t.Error("Delete should report presence")
	}
	if tier.Delete(hashed) {
		t.Error("second Delete should report absence")
	}
	if tier.Size() != 0 {
		t.Errorf("Size = %d, want 0", tier.Size())
	}
}

func TestTierDeleteMatching(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierWarm, Capacity: 1 << 20}, nil)
	for _, key := range []string{"user:1:profile", "user:2:profile", "product:7", "node:user:x"} {
		tier.Set(HashKey(key), testEntry(key, time.Minute), 10)
	}

	// Anchored pattern matches the original key, not the hashed one.
	n := tier.DeleteMatching(regexp.MustCompile("^user:"))
	if n != 2 {
		t.Fatalf("DeleteMatching removed %d, want 2", n)
	}
	if tier.Get(HashKey("product:7")) == nil || tier.Get(HashKey("node:user:x")) == nil {
		t.Error("non-matching entries should survive")
	}
}

func TestTierClear(t *testing.T) {
	t.Parallel()

	tier := NewTier(TierConfig{Name: TierCold, Capacity: 1024}, nil)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		tier.Set(HashKey(key), testEntry(key, time.Minute), 10)
	}

	if n := tier.Clear(); n != 5 {
		t.Errorf("Clear = %d, want 5", n)
	}
	if tier.Len() != 0 || tier.Size() != 0 {
		t.Errorf("Len/Size after clear = %d/%d, want 0/0", tier.Len(), tier.Size())
	}
}

func TestTierRemoveExpired(t *testing.T) {
	t.Parallel()

	calls := 0
	tier := NewTier(TierConfig{Name: TierWarm, Capacity: 1024}, func(string, string, *types.CacheEntry) {
		calls++
	})

	tier.Set(HashKey("live"), testEntry("live", time.Minute), 10)
	tier.Set(HashKey("dead1"), testEntry("dead1", -time.Second), 10)
	tier.Set(HashKey("dead2"), testEntry("dead2", -time.Second), 10)

	if n := tier.RemoveExpired(); n != 2 {
		t.Errorf("RemoveExpired = %d, want 2", n)
	}
	if tier.Len() != 1 {
		t.Errorf("Len = %d, want 1", tier.Len())
	}
	if calls != 0 {
		t.Error("expiry removal must not fire eviction callbacks")
	}
}
