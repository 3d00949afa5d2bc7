package tiercache

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
)

// Config is the complete cache configuration. Sizes are humanized strings
// ("64MB", "1.5GB") parsed at construction time.
type Config struct {
	// TotalCapacity is the overall memory budget. The in-memory tiers
	// take 15%/35%/25% of it; the remaining quarter is conceptually
	// reserved for the durable tier.
	TotalCapacity string `yaml:"total_capacity"`

	TTL         TTLSettings         `yaml:"ttl"`
	Compression CompressionSettings `yaml:"compression"`
	Promotion   PromotionSettings   `yaml:"promotion"`
	Placement   PlacementSettings   `yaml:"placement"`
	Durable     DurableSettings     `yaml:"durable"`
	Prefetch    PrefetchSettings    `yaml:"prefetch"`
	Maintenance MaintenanceSettings `yaml:"maintenance"`
	Metrics     MetricsSettings     `yaml:"metrics"`

	// IntelligentEviction enables rescue of frequently accessed entries
	// on capacity eviction.
	IntelligentEviction bool `yaml:"intelligent_eviction"`

	LogLevel string `yaml:"log_level"`
}

// TTLSettings groups expiry policy.
type TTLSettings struct {
	Hot  time.Duration `yaml:"hot"`
	Warm time.Duration `yaml:"warm"`
	Cold time.Duration `yaml:"cold"`

	Default      time.Duration `yaml:"default"`
	Personalized time.Duration `yaml:"personalized"`

	// Overrides map key patterns to fixed TTLs, first match wins.
	Overrides []TTLOverride `yaml:"overrides"`
}

// TTLOverride maps a key pattern to a TTL.
type TTLOverride struct {
	Pattern string        `yaml:"pattern"`
	TTL     time.Duration `yaml:"ttl"`
}

// CompressionSettings groups payload compression policy.
type CompressionSettings struct {
	Enabled   bool `yaml:"enabled"`
	Threshold int  `yaml:"threshold"`
	Level     int  `yaml:"level"`
}

// PromotionSettings are the tunable promotion thresholds. Defaults preserve
// the reference behavior; none of these carry a proven optimality property.
type PromotionSettings struct {
	HotMinFrequency      int64         `yaml:"hot_min_frequency"`
	HotMinRecent         int           `yaml:"hot_min_recent"`
	RecentWindow         time.Duration `yaml:"recent_window"`
	WarmMinFrequency     int64         `yaml:"warm_min_frequency"`
	FrequentMinFrequency int64         `yaml:"frequent_min_frequency"`
}

// PlacementSettings bound which tiers accept writes of a given size.
type PlacementSettings struct {
	HotMaxObjectSize  string `yaml:"hot_max_object_size"`
	WarmMaxObjectSize string `yaml:"warm_max_object_size"`
}

// DurableSettings select and configure the durable tier backend.
type DurableSettings struct {
	// Backend is one of "none", "disk", or "s3".
	Backend string        `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`

	Disk DiskSettings `yaml:"disk"`
	S3   S3Settings   `yaml:"s3"`

	Breaker BreakerSettings `yaml:"breaker"`
}

// DiskSettings configure the disk backend.
type DiskSettings struct {
	Directory   string `yaml:"directory"`
	MaxSize     string `yaml:"max_size"`
	Compression bool   `yaml:"compression"`
}

// S3Settings configure the S3 backend.
type S3Settings struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// BreakerSettings configure the circuit breaker guarding durable calls.
type BreakerSettings struct {
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PrefetchSettings configure miss-driven prefetching.
type PrefetchSettings struct {
	Enabled    bool    `yaml:"enabled"`
	QueueDepth int     `yaml:"queue_depth"`
	DrainRate  float64 `yaml:"drain_rate"`
}

// MaintenanceSettings configure the background sweep intervals.
type MaintenanceSettings struct {
	TrackerSweepInterval   time.Duration `yaml:"tracker_sweep_interval"`
	TrackerMaxIdle         time.Duration `yaml:"tracker_max_idle"`
	UtilizationLogInterval time.Duration `yaml:"utilization_log_interval"`
	PrefetchDrainInterval  time.Duration `yaml:"prefetch_drain_interval"`
}

// MetricsSettings configure Prometheus exposure.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with the reference defaults.
func DefaultConfig() *Config {
	return &Config{
		TotalCapacity: "256MB",
		TTL: TTLSettings{
			Hot:          30 * time.Second,
			Warm:         5 * time.Minute,
			Cold:         time.Hour,
			Default:      5 * time.Minute,
			Personalized: time.Minute,
		},
		Compression: CompressionSettings{
			Enabled:   true,
			Threshold: 1024,
		},
		Promotion: PromotionSettings{
			HotMinFrequency:      10,
			HotMinRecent:         3,
			RecentWindow:         5 * time.Minute,
			WarmMinFrequency:     2,
			FrequentMinFrequency: 5,
		},
		Placement: PlacementSettings{
			HotMaxObjectSize:  "10KB",
			WarmMaxObjectSize: "100KB",
		},
		Durable: DurableSettings{
			Backend: "none",
			Timeout: 2 * time.Second,
			Breaker: BreakerSettings{
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
			},
		},
		Prefetch: PrefetchSettings{
			Enabled:    true,
			QueueDepth: 256,
			DrainRate:  10,
		},
		Maintenance: MaintenanceSettings{
			TrackerSweepInterval:   5 * time.Minute,
			TrackerMaxIdle:         24 * time.Hour,
			UtilizationLogInterval: 15 * time.Minute,
			PrefetchDrainInterval:  time.Minute,
		},
		Metrics: MetricsSettings{
			Enabled: false,
			Path:    "/metrics",
		},
		IntelligentEviction: true,
		LogLevel:            "INFO",
	}
}

// LoadConfig reads a YAML configuration file over the defaults, then
// applies the environment overlay.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "read config file").
			WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "parse config file").
			WithContext("path", path)
	}

	config.LoadFromEnv()
	return config, nil
}

// LoadFromEnv applies TIERCACHE_* environment overrides.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("TIERCACHE_TOTAL_CAPACITY"); v != "" {
		c.TotalCapacity = v
	}
	if v := os.Getenv("TIERCACHE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TIERCACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.TTL.Default = d
		}
	}
	if v := os.Getenv("TIERCACHE_COMPRESSION_ENABLED"); v != "" {
		c.Compression.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("TIERCACHE_DURABLE_BACKEND"); v != "" {
		c.Durable.Backend = v
	}
	if v := os.Getenv("TIERCACHE_DURABLE_DIRECTORY"); v != "" {
		c.Durable.Disk.Directory = v
	}
	if v := os.Getenv("TIERCACHE_S3_BUCKET"); v != "" {
		c.Durable.S3.Bucket = v
	}
	if v := os.Getenv("TIERCACHE_S3_REGION"); v != "" {
		c.Durable.S3.Region = v
	}
	if v := os.Getenv("TIERCACHE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
			c.Metrics.Enabled = true
		}
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if _, err := humanize.ParseBytes(c.TotalCapacity); err != nil {
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"invalid total_capacity %q", c.TotalCapacity)
	}
	if _, err := humanize.ParseBytes(c.Placement.HotMaxObjectSize); err != nil {
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"invalid hot_max_object_size %q", c.Placement.HotMaxObjectSize)
	}
	if _, err := humanize.ParseBytes(c.Placement.WarmMaxObjectSize); err != nil {
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"invalid warm_max_object_size %q", c.Placement.WarmMaxObjectSize)
	}

	if !(c.TTL.Hot < c.TTL.Warm && c.TTL.Warm < c.TTL.Cold) {
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"tier TTLs must satisfy hot < warm < cold (got %v, %v, %v)",
			c.TTL.Hot, c.TTL.Warm, c.TTL.Cold)
	}

	switch c.Durable.Backend {
	case "", "none", "disk", "s3":
	default:
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"unknown durable backend %q (must be none, disk, or s3)", c.Durable.Backend)
	}
	if c.Durable.Backend == "disk" && c.Durable.Disk.Directory == "" {
		return cacheerr.New(cacheerr.ErrCodeConfigValidation,
			"durable disk backend requires a directory")
	}
	if c.Durable.Backend == "s3" && c.Durable.S3.Bucket == "" {
		return cacheerr.New(cacheerr.ErrCodeConfigValidation,
			"durable s3 backend requires a bucket")
	}

	for _, o := range c.TTL.Overrides {
		if _, err := regexp.Compile(o.Pattern); err != nil {
			return cacheerr.Wrap(err, cacheerr.ErrCodeConfigValidation,
				fmt.Sprintf("invalid ttl override pattern %q", o.Pattern))
		}
	}

	switch strings.ToUpper(c.LogLevel) {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return cacheerr.Newf(cacheerr.ErrCodeConfigValidation,
			"invalid log_level %q", c.LogLevel)
	}

	return nil
}

func (c *Config) totalCapacityBytes() int64 {
	n, err := humanize.ParseBytes(c.TotalCapacity)
	if err != nil {
		return 0
	}
	return int64(n)
}

func (c *Config) sizeBytes(s string) int64 {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int64(n)
}
