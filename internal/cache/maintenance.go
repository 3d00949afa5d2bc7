package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// MaintenanceConfig configures the periodic background sweeps.
type MaintenanceConfig struct {
	// TrackerSweepInterval controls stale access-metadata cleanup.
	TrackerSweepInterval time.Duration `yaml:"tracker_sweep_interval"`

	// TrackerMaxIdle is how long an access record may sit unused before
	// the sweep drops it.
	TrackerMaxIdle time.Duration `yaml:"tracker_max_idle"`

	// UtilizationLogInterval controls tier utilization reporting.
	UtilizationLogInterval time.Duration `yaml:"utilization_log_interval"`

	// PrefetchDrainInterval controls prefetch-queue draining.
	PrefetchDrainInterval time.Duration `yaml:"prefetch_drain_interval"`
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.TrackerSweepInterval <= 0 {
		c.TrackerSweepInterval = 5 * time.Minute
	}
	if c.TrackerMaxIdle <= 0 {
		c.TrackerMaxIdle = DefaultTrackerMaxIdle
	}
	if c.UtilizationLogInterval <= 0 {
		c.UtilizationLogInterval = 15 * time.Minute
	}
	if c.PrefetchDrainInterval <= 0 {
		c.PrefetchDrainInterval = time.Minute
	}
}

// Maintenance runs the cache's periodic background work: stale tracker
// cleanup, expired-entry removal, utilization logging, and prefetch-queue
// draining. The whole unit is cancellable via Stop.
type Maintenance struct {
	config *MaintenanceConfig
	coord  *Coordinator

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMaintenance creates the scheduler. A nil config uses the defaults.
func NewMaintenance(config *MaintenanceConfig, coord *Coordinator) *Maintenance {
	if config == nil {
		config = &MaintenanceConfig{}
	}
	config.applyDefaults()

	return &Maintenance{
		config: config,
		coord:  coord,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background sweeps.
func (m *Maintenance) Start() {
	m.run(m.config.TrackerSweepInterval, m.sweep)
	m.run(m.config.UtilizationLogInterval, m.logUtilization)
	m.run(m.config.PrefetchDrainInterval, m.drainPrefetch)
}

// Stop cancels all sweeps and waits for them to finish. Idempotent.
func (m *Maintenance) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Maintenance) run(interval time.Duration, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// sweep drops idle access records and expired entries.
func (m *Maintenance) sweep() {
	removed := m.coord.tracker.Sweep(m.config.TrackerMaxIdle)
	expired := m.coord.hot.RemoveExpired()
	expired += m.coord.warm.RemoveExpired()
	expired += m.coord.cold.RemoveExpired()

	if removed > 0 || expired > 0 {
		m.coord.logger.Debug("maintenance sweep",
			"tracker_records_removed", removed,
			"entries_expired", expired)
	}
}

// logUtilization reports per-tier usage and refreshes size gauges.
func (m *Maintenance) logUtilization() {
	for _, tier := range []*Tier{m.coord.hot, m.coord.warm, m.coord.cold} {
		stats := tier.Stats()
		m.coord.logger.Info("tier utilization",
			"tier", stats.Name,
			"entries", stats.Entries,
			"size", humanize.Bytes(uint64(stats.Size)),
			"capacity", humanize.Bytes(uint64(stats.Capacity)),
			"utilization", fmt.Sprintf("%.1f%%", stats.Utilization*100),
			"evictions", stats.Evictions)

		if m.coord.metrics != nil {
			m.coord.metrics.ObserveTierSize(stats.Name, stats.Size)
		}
	}

	if m.coord.metrics != nil {
		m.coord.metrics.SetCompressionSaved(m.coord.codec.SavedBytes())
	}
}

// drainPrefetch hands queued prefetch candidates to the loader.
func (m *Maintenance) drainPrefetch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n := m.coord.prefetcher.Drain(ctx); n > 0 {
		m.coord.logger.Debug("prefetch queue drained", "candidates", n)
	}
}
