package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultPrefetchQueueDepth = 256
	maxKeysPerPattern         = 32
)

// PrefetchLoader recomputes or refetches a value for a missed key. Supplied
// by the caller; when nil, drained candidates are dropped.
type PrefetchLoader func(ctx context.Context, key string)

// PrefetchConfig configures pattern learning and queue draining.
type PrefetchConfig struct {
	Enabled    bool `yaml:"enabled"`
	QueueDepth int  `yaml:"queue_depth"`

	// DrainRate caps prefetch loads per second so background refetching
	// cannot starve foreground traffic.
	DrainRate float64 `yaml:"drain_rate"`
}

// Prefetcher learns key patterns from writes and suggests sibling keys to
// warm after a miss. The "base pattern" of a key is the key with its last
// colon-delimited segment dropped; keys sharing a base pattern are assumed
// related.
type Prefetcher struct {
	mu       sync.Mutex
	enabled  bool
	patterns map[string][]string // base pattern -> known full keys
	queue    chan string
	limiter  *rate.Limiter
	loader   PrefetchLoader
	logger   *slog.Logger
}

// NewPrefetcher creates a prefetcher. A nil config disables it.
func NewPrefetcher(config *PrefetchConfig, loader PrefetchLoader, logger *slog.Logger) *Prefetcher {
	if config == nil {
		config = &PrefetchConfig{}
	}
	depth := config.QueueDepth
	if depth <= 0 {
		depth = defaultPrefetchQueueDepth
	}
	drainRate := config.DrainRate
	if drainRate <= 0 {
		drainRate = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prefetcher{
		enabled:  config.Enabled,
		patterns: make(map[string][]string),
		queue:    make(chan string, depth),
		limiter:  rate.NewLimiter(rate.Limit(drainRate), 1),
		loader:   loader,
		logger:   logger,
	}
}

// BasePattern derives the pattern a key belongs to by dropping its last
// colon-delimited segment. Keys without a separator have no pattern.
func BasePattern(key string) string {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 {
		return ""
	}
	return key[:idx]
}

// Learn associates key with its base pattern. Called on every successful Set.
func (p *Prefetcher) Learn(key string) {
	if !p.enabled {
		return
	}
	base := BasePattern(key)
	if base == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	known := p.patterns[base]
	for _, k := range known {
		if k == key {
			return
		}
	}
	if len(known) >= maxKeysPerPattern {
		known = known[1:]
	}
	p.patterns[base] = append(known, key)
}

// ObserveMiss enqueues sibling keys of a missed key as prefetch candidates.
// The queue is bounded; candidates are dropped when it is full.
func (p *Prefetcher) ObserveMiss(key string) {
	if !p.enabled {
		return
	}
	base := BasePattern(key)
	if base == "" {
		return
	}

	p.mu.Lock()
	siblings := append([]string(nil), p.patterns[base]...)
	p.mu.Unlock()

	for _, sibling := range siblings {
		if sibling == key {
			continue
		}
		select {
		case p.queue <- sibling:
		default:
			return
		}
	}
}

// Drain pops queued candidates and hands them to the loader, respecting the
// rate limit. Called from the maintenance scheduler; returns the number of
// candidates processed.
func (p *Prefetcher) Drain(ctx context.Context) int {
	if !p.enabled {
		return 0
	}

	drained := 0
	for {
		select {
		case <-ctx.Done():
			return drained
		case key := <-p.queue:
			if err := p.limiter.Wait(ctx); err != nil {
				return drained
			}
			if p.loader != nil {
				p.loader(ctx, key)
			}
			drained++
		default:
			return drained
		}
	}
}

// QueueDepth returns the number of pending prefetch candidates.
func (p *Prefetcher) QueueDepth() int {
	return len(p.queue)
}

// Reset drops all learned patterns and queued candidates.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	p.patterns = make(map[string][]string)
	p.mu.Unlock()

	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}
