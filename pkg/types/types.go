package types

import (
	"time"
)

// Payload is the stored form of a cached value. It is a tagged variant:
// either the raw serialized bytes, or a compressed frame together with the
// sizes needed for accounting and estimation.
type Payload struct {
	Compressed     bool   `json:"compressed" msgpack:"compressed"`
	Data           []byte `json:"data" msgpack:"data"`
	OriginalSize   int    `json:"original_size,omitempty" msgpack:"original_size,omitempty"`
	CompressedSize int    `json:"compressed_size,omitempty" msgpack:"compressed_size,omitempty"`
}

// Size returns the byte size relevant for capacity accounting.
func (p Payload) Size() int {
	if p.Compressed {
		return p.CompressedSize
	}
	return len(p.Data)
}

// Metadata carries caller-supplied context for an entry. The cache itself
// never interprets these fields beyond the Personalized flag; they are
// persisted alongside the entry and surfaced to the durable tier.
type Metadata struct {
	Tenant       string `json:"tenant,omitempty" msgpack:"tenant,omitempty"`
	Personalized bool   `json:"personalized,omitempty" msgpack:"personalized,omitempty"`
	Endpoint     string `json:"endpoint,omitempty" msgpack:"endpoint,omitempty"`
	UserSegment  string `json:"user_segment,omitempty" msgpack:"user_segment,omitempty"`
}

// CacheEntry is the unit stored in every tier. Key holds the original
// caller-supplied key; lookups in all tiers use its fixed-length digest.
// The original key must be retained here because pattern invalidation
// matches against it, not against the digest.
type CacheEntry struct {
	Key       string    `json:"key" msgpack:"key"`
	Payload   Payload   `json:"payload" msgpack:"payload"`
	StoredAt  time.Time `json:"stored_at" msgpack:"stored_at"`
	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
	Metadata  Metadata  `json:"metadata" msgpack:"metadata"`
}

// Expired reports whether the entry's own TTL has elapsed.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TierStats represents per-tier usage and performance counters.
type TierStats struct {
	Name        string  `json:"name"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// CacheStats represents aggregate cache performance statistics. Hits and
// misses count Get calls only; sets and deletes are tracked separately, so
// hits+misses equals the number of read requests, not total operations.
type CacheStats struct {
	Hits                  uint64               `json:"hits"`
	Misses                uint64               `json:"misses"`
	Sets                  uint64               `json:"sets"`
	Deletes               uint64               `json:"deletes"`
	Evictions             uint64               `json:"evictions"`
	CompressionSavedBytes int64                `json:"compression_saved_bytes"`
	TierHits              map[string]uint64    `json:"tier_hits"`
	HitRate               float64              `json:"hit_rate"`
	AvgResponseTimeMs     float64              `json:"avg_response_time_ms"`
	Size                  int64                `json:"size"`
	Capacity              int64                `json:"capacity"`
	Utilization           float64              `json:"utilization"`
	Tiers                 map[string]TierStats `json:"tiers"`
}

// Health state values reported by HealthStatus.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is a point-in-time health snapshot of the cache subsystem.
type HealthStatus struct {
	Status            string               `json:"status"`
	HitRate           float64              `json:"hit_rate"`
	Utilization       float64              `json:"utilization"`
	AvgResponseTimeMs float64              `json:"avg_response_time_ms"`
	Tiers             map[string]TierStats `json:"tiers"`
	DurableAvailable  bool                 `json:"durable_available"`
	Timestamp         time.Time            `json:"timestamp"`
}

// SetOptions carries per-write options. A zero TTL means the coordinator
// resolves the TTL from its own policy (pattern overrides, personalization
// convention, default).
type SetOptions struct {
	TTL          time.Duration
	Tenant       string
	Personalized bool
	Endpoint     string
	UserSegment  string
}

// ToMetadata converts the caller-facing options into entry metadata.
func (o SetOptions) ToMetadata() Metadata {
	return Metadata{
		Tenant:       o.Tenant,
		Personalized: o.Personalized,
		Endpoint:     o.Endpoint,
		UserSegment:  o.UserSegment,
	}
}
