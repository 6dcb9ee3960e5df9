package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/cache"
	"github.com/lazypower/memcore/internal/consolidation"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/lifecycle"
	"github.com/lazypower/memcore/internal/quality"
	"github.com/lazypower/memcore/internal/store"
	"github.com/lazypower/memcore/internal/temporal"
)

// GetMemory returns one record.
func (e *Engine) GetMemory(ctx context.Context, id string) (*store.Record, error) {
	return e.DB.GetRecord(ctx, id)
}

// CreateMemory validates, stores, scores and embeds a new record.
// Embedding failures are logged; the embed-missing job retries them.
func (e *Engine) CreateMemory(ctx context.Context, in MemoryInput) (*store.Record, error) {
	rec, err := in.record(e.logger)
	if err != nil {
		return nil, err
	}
	if len(rec.Relations) > 0 {
		ids := make([]string, len(rec.Relations))
		for i, r := range rec.Relations {
			ids[i] = r.TargetID
		}
		found, err := e.DB.GetRecordsByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return nil, errs.NotFound("create_memory", id)
			}
		}
	}
	rec.CreatedAt = e.now().UTC()
	if err := e.DB.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	scored, err := e.Quality.Rescore(ctx, rec.ID)
	if err != nil {
		e.logger.Warn("initial scoring failed", zap.String("id", rec.ID), zap.Error(err))
		scored = rec
	}
	if err := e.EmbedRecord(ctx, scored); err != nil {
		e.logger.Warn("initial embedding failed", zap.String("id", rec.ID), zap.Error(err))
	}
	return scored, nil
}

// Access records one use of a record and refreshes its scores.
func (e *Engine) Access(ctx context.Context, id string) (*store.Record, error) {
	return e.Quality.OnAccess(ctx, id)
}

func (e *Engine) LifecycleStats(ctx context.Context) (lifecycle.Stats, error) {
	return e.Lifecycle.Stats(ctx)
}

func (e *Engine) SetLifecycleState(ctx context.Context, id string, state store.State, actor, reason string) (*store.Record, error) {
	return e.Lifecycle.Transition(ctx, id, state, actor, reason)
}

func (e *Engine) StateHistory(ctx context.Context, id string) ([]store.AuditEvent, error) {
	return e.Lifecycle.History(ctx, id)
}

func (e *Engine) UndoLastChange(ctx context.Context, id, actor string) (*store.Record, error) {
	return e.Lifecycle.Undo(ctx, id, actor)
}

// RunConsolidation runs one consolidation pass. Cached results are left to
// expire on their own TTL.
func (e *Engine) RunConsolidation(ctx context.Context, opts consolidation.Options) (*consolidation.Report, error) {
	return e.Consolidation.Run(ctx, opts)
}

func (e *Engine) PreviewConsolidation(ctx context.Context, olderThanDays int) (*consolidation.Preview, error) {
	return e.Consolidation.Preview(ctx, olderThanDays)
}

func (e *Engine) QualityStats(ctx context.Context) (quality.Stats, error) {
	return e.Quality.Stats(ctx)
}

// RateMemory stores a 1–5 rating and returns the new quality score.
func (e *Engine) RateMemory(ctx context.Context, id string, rating int, feedback string) (float64, error) {
	return e.Quality.Rate(ctx, id, rating, feedback)
}

func (e *Engine) ValidAt(ctx context.Context, t time.Time, f temporal.Filter, limit int) ([]store.Record, error) {
	return e.Temporal.ValidAt(ctx, t, f, limit)
}

// MarkObsolete closes a record's validity at end, or now when end is nil.
func (e *Engine) MarkObsolete(ctx context.Context, id string, end *time.Time) (time.Time, error) {
	return e.Temporal.MarkObsolete(ctx, id, end)
}

func (e *Engine) RelatedAt(ctx context.Context, id string, t time.Time, hops, limit int) ([]temporal.Relation, error) {
	return e.Temporal.RelatedAt(ctx, id, t, hops, limit)
}

func (e *Engine) CacheStats() cache.Stats {
	return e.Cache.Stats()
}

// ClearCache drops every cached result and returns how many were removed.
func (e *Engine) ClearCache() int {
	return e.Cache.Clear()
}
