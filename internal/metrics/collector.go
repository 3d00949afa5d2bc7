// Package metrics provides Prometheus instrumentation for the cache and an
// optional HTTP endpoint to expose it.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector records cache measurements as Prometheus metrics. It satisfies
// the coordinator's MetricsRecorder interface. A disabled collector is a
// valid no-op recorder.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	tierHits          *prometheus.CounterVec
	tierSize          *prometheus.GaugeVec
	evictions         *prometheus.CounterVec
	compressionSaved  prometheus.Gauge

	server *http.Server
}

// NewCollector creates a collector. A nil config disables collection.
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = &Config{}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "tiercache"
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c
	}

	c.registry = prometheus.NewRegistry()

	c.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "operations_total",
		Help:      "Cache operations by type and outcome.",
	}, []string{"op", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Cache operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"op"})

	c.tierHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "tier_hits_total",
		Help:      "Cache hits by serving tier.",
	}, []string{"tier"})

	c.tierSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "tier_size_bytes",
		Help:      "Current stored bytes per tier.",
	}, []string{"tier"})

	c.evictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "evictions_total",
		Help:      "Capacity evictions by tier.",
	}, []string{"tier"})

	c.compressionSaved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "compression_saved_bytes",
		Help:      "Cumulative bytes saved by payload compression.",
	})

	c.registry.MustRegister(
		c.operations,
		c.operationDuration,
		c.tierHits,
		c.tierSize,
		c.evictions,
		c.compressionSaved,
	)

	return c
}

// RecordOperation records one cache operation and its latency.
func (c *Collector) RecordOperation(op string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	c.operations.WithLabelValues(op, status).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordTierHit records a hit served by the named tier.
func (c *Collector) RecordTierHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.tierHits.WithLabelValues(tier).Inc()
}

// RecordEviction records a capacity eviction from the named tier.
func (c *Collector) RecordEviction(tier string) {
	if !c.config.Enabled {
		return
	}
	c.evictions.WithLabelValues(tier).Inc()
}

// ObserveTierSize updates the stored-bytes gauge for the named tier.
func (c *Collector) ObserveTierSize(tier string, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.tierSize.WithLabelValues(tier).Set(float64(bytes))
}

// SetCompressionSaved updates the cumulative compression savings gauge.
func (c *Collector) SetCompressionSaved(bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.compressionSaved.Set(float64(bytes))
}

// Registry returns the underlying registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Start serves the metrics endpoint when a port is configured. It returns
// immediately; the server runs until Stop.
func (c *Collector) Start() error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics exposure is best-effort; the cache keeps running.
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
