package types

import (
	"testing"
	"time"
)

func TestPayloadSize(t *testing.T) {
	t.Parallel()

	raw := Payload{Data: make([]byte, 128)}
	if raw.Size() != 128 {
		t.Errorf("raw Size = %d, want 128", raw.Size())
	}

	compressed := Payload{
		Compressed:     true,
		Data:           make([]byte, 40),
		OriginalSize:   128,
		CompressedSize: 40,
	}
	if compressed.Size() != 40 {
		t.Errorf("compressed Size = %d, want 40", compressed.Size())
	}
}

func TestCacheEntryExpired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	live := &CacheEntry{ExpiresAt: now.Add(time.Minute)}
	if live.Expired(now) {
		t.Error("future expiry should not be expired")
	}

	dead := &CacheEntry{ExpiresAt: now.Add(-time.Minute)}
	if !dead.Expired(now) {
		t.Error("past expiry should be expired")
	}

	// Zero expiry means the entry never expires on its own.
	forever := &CacheEntry{}
	if forever.Expired(now) {
		t.Error("zero expiry should never be expired")
	}
}

func TestSetOptionsToMetadata(t *testing.T) {
	t.Parallel()

	opts := SetOptions{
		TTL:          time.Minute,
		Tenant:       "acme",
		Personalized: true,
		Endpoint:     "/api/feed",
		UserSegment:  "beta",
	}
	meta := opts.ToMetadata()

	if meta.Tenant != "acme" || !meta.Personalized || meta.Endpoint != "/api/feed" || meta.UserSegment != "beta" {
		t.Errorf("ToMetadata = %+v", meta)
	}
}
