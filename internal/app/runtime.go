// Package app assembles the engine components from configuration for the binaries under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"example.com/principalanalytics/internal/aggregate"
	"example.com/principalanalytics/internal/cache"
	"example.com/principalanalytics/internal/config"
	"example.com/principalanalytics/internal/domain"
	"example.com/principalanalytics/internal/persistence/postgres"
	"example.com/principalanalytics/internal/refresh"
	"example.com/principalanalytics/internal/snapshot"
	"example.com/principalanalytics/internal/source/memory"
)

// Runtime holds the wired engine. Close releases everything Open acquired.
type Runtime struct {
	Config    config.Config
	Pool      *pgxpool.Pool
	Sources   domain.SourceReader
	Snapshots domain.SnapshotStore
	Engine    *aggregate.Engine
	Scheduler *refresh.Scheduler
	Service   *domain.Service

	// MemorySources is set when the in-process source store backs the engine.
	MemorySources *memory.Store

	redis  *redis.Client
	logger *log.Logger
}

// Open builds the runtime. Fatal snapshot store errors are handed to onFatal.
func Open(ctx context.Context, cfg config.Config, onFatal func(error)) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		logger: log.New(log.Writer(), "[app] ", log.LstdFlags),
	}

	switch cfg.SnapshotStore {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.Pool = pool
		rt.Sources = postgres.NewSourceRepository(pool)
		rt.Snapshots = postgres.NewSnapshotRepository(pool)
	default:
		rt.MemorySources = memory.NewStore()
		rt.Sources = rt.MemorySources
		rt.Snapshots = snapshot.NewMemoryStore()
	}

	policy, err := ScoringPolicy(cfg.Scoring)
	if err != nil {
		rt.Close()
		return nil, err
	}

	builder := aggregate.NewBuilder(rt.Sources,
		aggregate.WithPolicy(policy),
		aggregate.WithTimelineRetention(cfg.TimelineRetention),
	)

	var invalidator cache.Invalidator = cache.NoopInvalidator{}
	if cfg.CacheInvalidationURL != "" {
		invalidator = cache.NewHTTPInvalidator(cfg.CacheInvalidationURL, cfg.CacheInvalidationToken, cfg.CacheInvalidationTimeout)
	}
	rt.Engine = aggregate.NewEngine(builder, rt.Snapshots, aggregate.WithInvalidator(invalidator))

	schedulerOpts := []refresh.Option{}
	if onFatal != nil {
		schedulerOpts = append(schedulerOpts, refresh.WithFatalHandler(onFatal))
	}
	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		schedulerOpts = append(schedulerOpts, refresh.WithLease(refresh.NewRedisLease(rt.redis, cfg.LeaseTTL)))
	}
	rt.Scheduler = refresh.NewScheduler(rt.Engine, SchedulerOptions(cfg), schedulerOpts...)

	rt.Service = domain.NewService(rt.Snapshots, rt.Scheduler, domain.WithActiveWindow(cfg.ActiveWindow))
	return rt, nil
}

// Backfill requests a coalesced refresh for every principal the sources report.
func (rt *Runtime) Backfill(ctx context.Context) (int, error) {
	ids, err := rt.Sources.ListPrincipalIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list principals: %v", domain.ErrSourceUnavailable, err)
	}
	for _, id := range ids {
		rt.Scheduler.Request(id)
	}
	rt.logger.Printf("backfill requested for %d principals", len(ids))
	return len(ids), nil
}

// Close stops the scheduler and releases connections.
func (rt *Runtime) Close() {
	if rt.Scheduler != nil {
		rt.Scheduler.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Printf("redis close: %v", err)
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// SchedulerOptions maps configuration onto scheduler tunables.
func SchedulerOptions(cfg config.Config) refresh.Options {
	return refresh.Options{
		CoalesceDelay:       cfg.CoalesceDelay,
		MaxAttempts:         cfg.RebuildMaxAttempts,
		BaseBackoff:         cfg.RebuildBaseBackoff,
		MaxBackoff:          cfg.RebuildMaxBackoff,
		LeaseWait:           cfg.LeaseTTL,
		BuildTimeout:        cfg.BuildTimeout,
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
	}
}

// ScoringPolicy applies configured weights on top of the default policy.
func ScoringPolicy(s config.Scoring) (aggregate.ScoringPolicy, error) {
	policy := aggregate.DefaultScoringPolicy()
	policy.RecencyWeight = s.RecencyWeight
	policy.VolumeWeight = s.VolumeWeight
	policy.WinRateWeight = s.WinRateWeight
	policy.ProductWeight = s.ProductWeight
	if s.RecencyHalfLife > 0 {
		policy.RecencyHalfLife = s.RecencyHalfLife
	}
	if err := policy.Validate(); err != nil {
		return aggregate.ScoringPolicy{}, errors.Join(errors.New("invalid SCORE_ configuration"), err)
	}
	return policy, nil
}
