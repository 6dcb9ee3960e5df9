// Package quality computes importance, recency and quality scores per
// record, on access and in rolling batch sweeps.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/store"
)

// Scorer writes scores to the store with per-record compare-and-set.
type Scorer struct {
	mu  sync.RWMutex
	cfg config.QualityConfig

	db      *store.DB
	logger  *zap.Logger
	metrics *observability.Collector
	now     func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

func WithLogger(l *zap.Logger) Option { return func(s *Scorer) { s.logger = l } }

func WithMetrics(m *observability.Collector) Option { return func(s *Scorer) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

// New creates a scorer over db.
func New(cfg config.QualityConfig, db *store.DB, opts ...Option) *Scorer {
	s := &Scorer{cfg: cfg, db: db, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewCollector("memcore")
	}
	return s
}

// Reload swaps in new weights. The next sweep or access uses them.
func (s *Scorer) Reload(cfg config.QualityConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Config returns the current settings.
func (s *Scorer) Config() config.QualityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// OnAccess records one access and recomputes the record's scores.
func (s *Scorer) OnAccess(ctx context.Context, id string) (*store.Record, error) {
	rec, err := s.db.TouchRecord(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	return s.rescore(ctx, rec)
}

// Rescore recomputes and writes a record's scores.
func (s *Scorer) Rescore(ctx context.Context, id string) (*store.Record, error) {
	rec, err := s.db.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.rescore(ctx, rec)
}

// rescore writes scores computed from rec, re-reading and retrying when
// another writer bumped the version first.
func (s *Scorer) rescore(ctx context.Context, rec *store.Record) (*store.Record, error) {
	cfg := s.Config()
	for attempt := 0; ; attempt++ {
		counts, err := s.db.RelationCounts(ctx, []string{rec.ID})
		if err != nil {
			return nil, err
		}
		now := s.now()
		scores := Compute(cfg, rec, counts[rec.ID], now)
		version, err := s.db.UpdateScores(ctx, rec.ID, rec.Version, scores, now)
		if err == nil {
			s.metrics.ScoresUpdated.Inc()
			rec.Importance, rec.Recency, rec.Quality = scores.Importance, scores.Recency, scores.Quality
			rec.ScoredAt = now
			rec.Version = version
			return rec, nil
		}
		if !errs.IsConflict(err) {
			return nil, err
		}
		s.metrics.Conflicts.WithLabelValues("update_scores").Inc()
		if attempt+1 >= cfg.MaxRetries {
			return nil, err
		}
		if rec, err = s.db.GetRecord(ctx, rec.ID); err != nil {
			return nil, err
		}
	}
}

// SweepReport summarizes one batch sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Conflicts int `json:"conflicts"`
}

// Sweep rescores the SweepBatch least-recently-scored live records, so
// repeated sweeps roll through the whole store.
func (s *Scorer) Sweep(ctx context.Context) (SweepReport, error) {
	cfg := s.Config()
	var rep SweepReport

	recs, err := s.db.ListRecords(ctx, store.ListFilter{
		ExcludeArchived: true,
		Order:           store.OrderScoredAsc,
		Limit:           cfg.SweepBatch,
	})
	if err != nil {
		return rep, fmt.Errorf("quality sweep: %w", err)
	}
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	counts, err := s.db.RelationCounts(ctx, ids)
	if err != nil {
		return rep, fmt.Errorf("quality sweep relations: %w", err)
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec := &recs[i]
		rep.Scanned++
		now := s.now()
		_, err := s.db.UpdateScores(ctx, rec.ID, rec.Version, Compute(cfg, rec, counts[rec.ID], now), now)
		if err == nil {
			rep.Updated++
			s.metrics.ScoresUpdated.Inc()
			continue
		}
		if !errs.IsConflict(err) {
			if errs.IsNotFound(err) {
				continue
			}
			return rep, err
		}
		rep.Conflicts++
		s.metrics.Conflicts.WithLabelValues("update_scores").Inc()
		if _, err := s.Rescore(ctx, rec.ID); err != nil {
			s.logger.Warn("quality sweep retry failed", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		rep.Updated++
	}

	s.logger.Debug("quality sweep complete",
		zap.Int("scanned", rep.Scanned), zap.Int("updated", rep.Updated), zap.Int("conflicts", rep.Conflicts))
	return rep, nil
}

// Rate stores explicit feedback on a 1–5 scale and returns the record's
// recomputed quality score.
func (s *Scorer) Rate(ctx context.Context, id string, rating int, feedback string) (float64, error) {
	if rating < 1 || rating > 5 {
		return 0, errs.Validation("rate_memory", "rating must be between 1 and 5, got %d", rating)
	}
	if _, err := s.db.AddRating(ctx, id, float64(rating-1)/4, feedback); err != nil {
		return 0, err
	}
	rec, err := s.Rescore(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Quality, nil
}

// Stats is the quality overview across live records.
type Stats struct {
	Total                 int          `json:"total"`
	AvgScore              float64      `json:"avg_score"`
	DistributionByTier    map[Tier]int `json:"distribution_by_tier"`
	HighQualityCount      int          `json:"high_quality_count"`
	NeedsImprovementCount int          `json:"needs_improvement_count"`
}

// Stats summarizes stored quality scores of non-archived records.
func (s *Scorer) Stats(ctx context.Context) (Stats, error) {
	st := Stats{DistributionByTier: make(map[Tier]int, len(Tiers))}
	for _, t := range Tiers {
		st.DistributionByTier[t] = 0
	}

	recs, err := s.db.ListRecords(ctx, store.ListFilter{ExcludeArchived: true})
	if err != nil {
		return st, fmt.Errorf("quality stats: %w", err)
	}
	var sum float64
	for _, r := range recs {
		sum += r.Quality
		st.DistributionByTier[TierOf(r.Quality)]++
		if r.Quality >= 0.6 {
			st.HighQualityCount++
		}
		if r.Quality < 0.4 {
			st.NeedsImprovementCount++
		}
	}
	st.Total = len(recs)
	if st.Total > 0 {
		st.AvgScore = sum / float64(st.Total)
	}
	return st, nil
}
