package aggregate

import (
	"context"
	"errors"
	"log"
	"time"

	"example.com/principalanalytics/internal/cache"
	"example.com/principalanalytics/internal/domain"
	"example.com/principalanalytics/internal/observability"
)

// Engine builds one principal and commits the result to the snapshot store.
// It is the unit of work the refresh scheduler runs.
type Engine struct {
	builder     *Builder
	store       domain.SnapshotStore
	invalidator cache.Invalidator
	logger      *log.Logger
}

// EngineOption configures optional behaviour for the Engine.
type EngineOption func(*Engine)

// WithInvalidator registers a cache invalidation hook fired after each commit or retirement.
func WithInvalidator(invalidator cache.Invalidator) EngineOption {
	return func(e *Engine) {
		if invalidator != nil {
			e.invalidator = invalidator
		}
	}
}

// WithEngineLogger overrides the engine logger.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine constructs an Engine.
func NewEngine(builder *Builder, store domain.SnapshotStore, opts ...EngineOption) *Engine {
	e := &Engine{
		builder:     builder,
		store:       store,
		invalidator: cache.NoopInvalidator{},
		logger:      log.New(log.Writer(), "[engine] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rebuild computes and commits a fresh snapshot for principalID. Nothing is written
// unless the whole build succeeds. A retired principal has its current snapshot dropped.
func (e *Engine) Rebuild(ctx context.Context, principalID string) error {
	start := time.Now()

	previous, err := e.store.LatestVersion(ctx, principalID)
	if err != nil {
		buildOutcomes.WithLabelValues("failed").Inc()
		return err
	}

	snap, err := e.builder.Build(ctx, principalID, previous)
	if errors.Is(err, domain.ErrPrincipalRetired) {
		dropped, err := e.store.Retire(ctx, principalID)
		if err != nil {
			buildOutcomes.WithLabelValues("failed").Inc()
			return err
		}
		buildOutcomes.WithLabelValues("retired").Inc()
		if dropped {
			e.logger.Printf("principal %s retired; current snapshot dropped", principalID)
			e.invalidate(ctx, principalID)
		}
		return nil
	}
	if err != nil {
		buildOutcomes.WithLabelValues("failed").Inc()
		return err
	}

	if err := e.store.Commit(ctx, snap); err != nil {
		buildOutcomes.WithLabelValues("failed").Inc()
		return err
	}

	buildOutcomes.WithLabelValues("committed").Inc()
	buildDuration.Observe(time.Since(start).Seconds())
	observability.RecordSnapshotCommitted(snap.BuiltAt)
	e.invalidate(ctx, principalID)
	return nil
}

func (e *Engine) invalidate(ctx context.Context, principalID string) {
	if err := e.invalidator.Invalidate(ctx, principalID); err != nil {
		e.logger.Printf("cache invalidation failed for principal %s: %v", principalID, err)
	}
}
