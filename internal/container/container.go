// Package container wires the application graph once per process: entity
// store, counter store, stats, and ingestion, all selected by configuration.
// Nothing in the codebase reaches for package-level singletons; whoever
// needs a dependency receives it from here.
package container

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/switchboard-io/switchboard/internal/config"
	"github.com/switchboard-io/switchboard/internal/counter"
	"github.com/switchboard-io/switchboard/internal/ingest"
	"github.com/switchboard-io/switchboard/internal/resilience"
	"github.com/switchboard-io/switchboard/internal/stats"
	"github.com/switchboard-io/switchboard/internal/store"
)

// Container holds the wired application graph.
type Container struct {
	Cfg      *config.Config
	Store    store.Store
	Counters counter.Store
	Stats    *stats.Service
	Ingest   *ingest.Processor
	DLQ      *resilience.DeadLetterQueue
}

// New builds the graph from configuration. The caller owns Close.
func New(ctx context.Context, cfg *config.Config) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entityStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	counters, err := buildCounters(cfg, entityStore)
	if err != nil {
		entityStore.Close()
		return nil, err
	}

	statsSvc := stats.New(counters)
	dlq := resilience.NewDeadLetterQueue(cfg.Ingest.DLQCapacity)

	opts := []ingest.Option{
		ingest.WithRetryConfig(resilience.FromRetryConfig(
			cfg.Ingest.RetryMaxAttempts,
			cfg.Ingest.RetryInitialMs,
			cfg.Ingest.RetryMaxMs,
			cfg.Ingest.RetryMultiplier,
			cfg.Ingest.RetryJitterFraction,
		)),
		ingest.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.FromCircuitConfig(
			cfg.Ingest.BreakerFailureThreshold,
			cfg.Ingest.BreakerResetTimeoutSecs,
		))),
		ingest.WithDeadLetterQueue(dlq),
	}
	if cfg.Ingest.RateLimit > 0 {
		opts = append(opts, ingest.WithRateLimiter(
			rate.NewLimiter(rate.Limit(cfg.Ingest.RateLimit), cfg.Ingest.RateBurst)))
	}

	return &Container{
		Cfg:      cfg,
		Store:    entityStore,
		Counters: counters,
		Stats:    statsSvc,
		Ingest:   ingest.NewProcessor(statsSvc, opts...),
		DLQ:      dlq,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.Store.MaxConns),
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("container: unknown store driver %q", cfg.Store.Driver)
	}
}

// buildCounters selects the counter backend. The "store" backend shares the
// entity store's connection instead of opening a second one.
func buildCounters(cfg *config.Config, entityStore store.Store) (counter.Store, error) {
	shards := cfg.Counter.NumShards

	switch cfg.Counter.Backend {
	case "memory":
		return counter.NewMemory(shards), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return counter.NewRedis(client, shards), nil
	case "store":
		switch s := entityStore.(type) {
		case *store.PostgresStore:
			return counter.NewPostgres(s.Pool(), shards), nil
		case *store.SQLiteStore:
			return counter.NewSQLite(s.DB(), shards), nil
		case *store.MemoryStore:
			return counter.NewMemory(shards), nil
		default:
			return nil, eris.Errorf("container: store driver %q cannot host counters", cfg.Store.Driver)
		}
	default:
		return nil, eris.Errorf("container: unknown counter backend %q", cfg.Counter.Backend)
	}
}

// Close releases backends in reverse dependency order.
func (c *Container) Close() error {
	var firstErr error
	if err := c.Counters.Close(); err != nil {
		firstErr = err
	}
	if err := c.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return eris.Wrap(firstErr, "container: close")
}
