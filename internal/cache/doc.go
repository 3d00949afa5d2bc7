/*
Package cache implements the multi-layer caching core: three bounded
in-memory tiers with adaptive promotion, threshold compression, pattern
invalidation, and background maintenance.

# Architecture

Reads probe the tiers in fixed order and stop at the first hit; writes are
placed by size and access frequency, and mirrored to the durable tier for
non-hot placements:

	┌─────────────────────────────────────────────┐
	│               Coordinator                   │
	│   Get / Set / Delete / Clear / Stats        │
	└─────────────────────────────────────────────┘
	       │           │           │          │
	┌──────────┐ ┌──────────┐ ┌──────────┐ ┌─────────┐
	│   hot    │ │   warm   │ │   cold   │ │ durable │
	│ 30s TTL  │ │ 300s TTL │ │ 1h TTL   │ │ (ext.)  │
	│ 15% cap  │ │ 35% cap  │ │ 25% cap  │ │         │
	└──────────┘ └──────────┘ └──────────┘ └─────────┘

Each tier is an independently locked LRU map bounded by aggregate byte size.
Hot and warm refresh an entry's residency clock on every hit; cold does not,
so cold entries decay toward eviction or the durable tier.

# Promotion and rescue

The access tracker records per-key counts and a bounded recent-access
history. Warm hits promote to hot when the key is both frequent and recently
active; cold hits promote to warm on a lower frequency bar. Capacity
evictions of frequently accessed keys are rescued one step along the strict
hot -> warm -> durable graph, which is acyclic by construction.

# Failure semantics

The cache is an optimization layer. Serialization and compression faults are
recovered with fallbacks, durable-tier faults degrade the cache to its
in-memory tiers, and every public operation reports a miss or best-effort
count instead of surfacing internal errors. The only rejected input is an
invalid pattern-delete expression.
*/
package cache
