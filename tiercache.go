// Package tiercache implements a multi-tier in-memory cache with an optional
// durable backend. Entries move between hot, warm, and cold tiers based on
// observed access patterns; large payloads are transparently compressed and
// frequently used entries are rescued from eviction instead of being dropped.
package tiercache

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/internal/durable"
	"github.com/tiercache/tiercache/internal/metrics"
	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Aliases for the public result types so callers only import this package.
type (
	SetOptions   = types.SetOptions
	Stats        = types.CacheStats
	HealthStatus = types.HealthStatus
	Metadata     = types.Metadata
)

// Loader recomputes a missed value during prefetch draining. Implementations
// typically re-run the origin fetch and call Set.
type Loader = cache.PrefetchLoader

// Cache is the public entry point. All methods are safe for concurrent use.
type Cache struct {
	coord     *cache.Coordinator
	durable   types.DurableStore
	collector *metrics.Collector
	logger    *slog.Logger
}

// Option customizes cache construction beyond what Config covers.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	loader  Loader
	durable types.DurableStore
}

// WithLogger sets the structured logger. Defaults to a text handler on
// stderr at the configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLoader sets the prefetch loader invoked for queued sibling keys.
func WithLoader(loader Loader) Option {
	return func(o *options) { o.loader = loader }
}

// WithDurableStore injects a custom durable tier, overriding the configured
// backend. The store is still wrapped by the circuit breaker.
func WithDurableStore(store types.DurableStore) Option {
	return func(o *options) { o.durable = store }
}

// New creates a cache from the given configuration. A nil config uses
// DefaultConfig.
func New(ctx context.Context, config *Config, opts ...Option) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLogLevel(config.LogLevel),
		}))
	}

	store, err := buildDurableStore(ctx, config, logger, o.durable)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(&metrics.Config{
		Enabled: config.Metrics.Enabled,
		Port:    config.Metrics.Port,
		Path:    config.Metrics.Path,
	})
	if err := collector.Start(); err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	overrides := make([]cache.TTLOverride, 0, len(config.TTL.Overrides))
	for _, ov := range config.TTL.Overrides {
		overrides = append(overrides, cache.TTLOverride{Pattern: ov.Pattern, TTL: ov.TTL})
	}

	coord, err := cache.NewCoordinator(&cache.CoordinatorConfig{
		TotalCapacity: config.totalCapacityBytes(),

		HotTTL:  config.TTL.Hot,
		WarmTTL: config.TTL.Warm,
		ColdTTL: config.TTL.Cold,

		DefaultTTL:      config.TTL.Default,
		PersonalizedTTL: config.TTL.Personalized,
		TTLOverrides:    overrides,

		PromoteHotMinFrequency:  config.Promotion.HotMinFrequency,
		PromoteHotMinRecent:     config.Promotion.HotMinRecent,
		RecentWindow:            config.Promotion.RecentWindow,
		PromoteWarmMinFrequency: config.Promotion.WarmMinFrequency,
		FrequentMinFrequency:    config.Promotion.FrequentMinFrequency,

		IntelligentEviction: config.IntelligentEviction,

		HotMaxObjectSize:  config.sizeBytes(config.Placement.HotMaxObjectSize),
		WarmMaxObjectSize: config.sizeBytes(config.Placement.WarmMaxObjectSize),

		DurableTimeout: config.Durable.Timeout,

		Codec: &cache.CodecConfig{
			CompressionEnabled:   config.Compression.Enabled,
			CompressionThreshold: config.Compression.Threshold,
			CompressionLevel:     config.Compression.Level,
		},
		Prefetch: &cache.PrefetchConfig{
			Enabled:    config.Prefetch.Enabled,
			QueueDepth: config.Prefetch.QueueDepth,
			DrainRate:  config.Prefetch.DrainRate,
		},
		Maintenance: &cache.MaintenanceConfig{
			TrackerSweepInterval:   config.Maintenance.TrackerSweepInterval,
			TrackerMaxIdle:         config.Maintenance.TrackerMaxIdle,
			UtilizationLogInterval: config.Maintenance.UtilizationLogInterval,
			PrefetchDrainInterval:  config.Maintenance.PrefetchDrainInterval,
		},

		Logger:         logger,
		Metrics:        collector,
		PrefetchLoader: o.loader,
	}, store)
	if err != nil {
		collector.Stop(context.Background())
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	return &Cache{
		coord:     coord,
		durable:   store,
		collector: collector,
		logger:    logger,
	}, nil
}

func buildDurableStore(ctx context.Context, config *Config, logger *slog.Logger, injected types.DurableStore) (types.DurableStore, error) {
	var store types.DurableStore
	switch {
	case injected != nil:
		store = injected
	case config.Durable.Backend == "disk":
		disk, err := durable.NewDiskStore(&durable.DiskConfig{
			Directory:   config.Durable.Disk.Directory,
			MaxSize:     config.sizeBytes(config.Durable.Disk.MaxSize),
			Compression: config.Durable.Disk.Compression,
		}, logger)
		if err != nil {
			return nil, err
		}
		store = disk
	case config.Durable.Backend == "s3":
		s3, err := durable.NewS3Store(ctx, &durable.S3Config{
			Bucket:          config.Durable.S3.Bucket,
			Prefix:          config.Durable.S3.Prefix,
			Region:          config.Durable.S3.Region,
			Endpoint:        config.Durable.S3.Endpoint,
			AccessKeyID:     config.Durable.S3.AccessKeyID,
			SecretAccessKey: config.Durable.S3.SecretAccessKey,
		}, logger)
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, nil
	}

	return durable.Guard(store, &circuit.Config{
		MaxRequests: config.Durable.Breaker.MaxRequests,
		Interval:    config.Durable.Breaker.Interval,
		Timeout:     config.Durable.Breaker.Timeout,
	}, logger), nil
}

// Get returns the cached value for key, or (nil, false) on a miss. Only Get
// calls count toward hit and miss statistics.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	return c.coord.Get(ctx, key)
}

// Set stores value under key. The zero SetOptions applies the default TTL
// and automatic tier placement.
func (c *Cache) Set(ctx context.Context, key string, value any, opts SetOptions) bool {
	return c.coord.Set(ctx, key, value, opts)
}

// Delete removes key from every tier. It reports whether the key was present
// in at least one of them.
func (c *Cache) Delete(ctx context.Context, key string) bool {
	return c.coord.Delete(ctx, key)
}

// DeletePattern removes every entry whose original key matches the regular
// expression and returns the number of entries removed across all tiers.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	return c.coord.DeletePattern(ctx, pattern)
}

// Clear empties the in-memory tiers, and the durable tier as well unless
// memoryOnly is set. Lifetime counters other than deletes are preserved.
func (c *Cache) Clear(ctx context.Context, memoryOnly bool) int {
	return c.coord.Clear(ctx, memoryOnly)
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	return c.coord.Stats()
}

// Health reports an overall health assessment. It never panics.
func (c *Cache) Health() HealthStatus {
	return c.coord.Health()
}

// Registry exposes the Prometheus registry when metrics are enabled, nil
// otherwise. It lets callers mount the metrics on their own HTTP mux.
func (c *Cache) Registry() *prometheus.Registry {
	return c.collector.Registry()
}

// Close stops background maintenance and releases the durable backend. It is
// safe to call more than once.
func (c *Cache) Close() error {
	err := c.coord.Close()
	if c.collector != nil {
		if stopErr := c.collector.Stop(context.Background()); stopErr != nil && err == nil {
			err = stopErr
		}
	}
	if c.durable != nil {
		if closeErr := c.durable.Close(); closeErr != nil && err == nil {
			err = cacheerr.Wrap(closeErr, cacheerr.ErrCodeInternalError, "close durable store")
		}
	}
	return err
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
