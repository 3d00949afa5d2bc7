package durable

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/pkg/types"
)

// GuardedStore wraps a DurableStore with a circuit breaker so a failing
// backend is short-circuited instead of paying the timeout on every call.
// Rejected calls surface as store errors, which the coordinator already
// treats as "durable tier unavailable".
type GuardedStore struct {
	inner   types.DurableStore
	breaker *circuit.Breaker
}

// Guard wraps store with a breaker built from config. A nil config uses the
// breaker defaults.
func Guard(store types.DurableStore, config *circuit.Config, logger *slog.Logger) *GuardedStore {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := circuit.Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to circuit.State) {
			logger.Warn("durable breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		}
	}

	return &GuardedStore{
		inner:   store,
		breaker: circuit.NewBreaker("durable", cfg),
	}
}

// Breaker exposes the underlying breaker for health reporting and tests.
func (g *GuardedStore) Breaker() *circuit.Breaker {
	return g.breaker
}

func (g *GuardedStore) Get(ctx context.Context, hashedKey string) (*types.CacheEntry, error) {
	var entry *types.CacheEntry
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		entry, err = g.inner.Get(ctx, hashedKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (g *GuardedStore) Set(ctx context.Context, hashedKey string, entry *types.CacheEntry, ttl time.Duration) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Set(ctx, hashedKey, entry, ttl)
	})
}

func (g *GuardedStore) Delete(ctx context.Context, hashedKey string) (bool, error) {
	var found bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		found, err = g.inner.Delete(ctx, hashedKey)
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (g *GuardedStore) DeletePattern(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	var count int
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		count, err = g.inner.DeletePattern(ctx, pattern)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (g *GuardedStore) Clear(ctx context.Context) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Clear(ctx)
	})
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}
