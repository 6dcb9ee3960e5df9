// Package engine wires the ranking and maintenance components over one
// record store and exposes the service operations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lazypower/memcore/internal/cache"
	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/consolidation"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/fusion"
	"github.com/lazypower/memcore/internal/jobs"
	"github.com/lazypower/memcore/internal/lifecycle"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/quality"
	"github.com/lazypower/memcore/internal/retrieval"
	"github.com/lazypower/memcore/internal/router"
	"github.com/lazypower/memcore/internal/store"
	"github.com/lazypower/memcore/internal/temporal"
)

// Deps are the collaborators an Engine consumes. Nil retrieval sources
// default to adapters over the local store.
type Deps struct {
	Logger   *zap.Logger
	Metrics  *observability.Collector
	Embedder embedding.Embedder
	Vectors  retrieval.VectorIndex
	Keywords retrieval.KeywordSearcher
	Graph    retrieval.GraphSearcher
	Now      func() time.Time
}

// Engine owns every component.
type Engine struct {
	DB            *store.DB
	Embedder      embedding.Embedder
	Router        *router.Router
	Ranker        *fusion.Ranker
	Cache         *cache.Cache[*fusion.Response]
	Quality       *quality.Scorer
	Lifecycle     *lifecycle.Manager
	Consolidation *consolidation.Engine
	Temporal      *temporal.Index
	Jobs          *jobs.Scheduler
	Metrics       *observability.Collector

	vectors retrieval.VectorIndex
	logger  *zap.Logger
	now     func() time.Time
	flight  singleflight.Group

	mu  sync.RWMutex
	cfg config.Config
}

// New builds an engine from cfg. Retrieval sources are wrapped in
// timeout and circuit-breaker guards.
func New(cfg config.Config, db *store.DB, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewCollector("memcore")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	vectors := deps.Vectors
	if vectors == nil {
		model := ""
		if deps.Embedder != nil {
			model = deps.Embedder.Model()
		}
		vectors = &retrieval.SQLiteVectors{DB: db, Model: model}
	}
	keywords := deps.Keywords
	if keywords == nil {
		keywords = &retrieval.FTSKeywords{DB: db}
	}
	graph := deps.Graph
	if graph == nil {
		graph = &retrieval.StoreGraph{DB: db}
	}

	timeout := cfg.Fusion.SourceTimeout
	dense := &retrieval.GuardedVectors{Inner: vectors, Guard: retrieval.NewGuard(fusion.SourceDense, cfg.Breaker, timeout, logger)}
	sparse := &retrieval.GuardedKeywords{Inner: keywords, Guard: retrieval.NewGuard(fusion.SourceSparse, cfg.Breaker, timeout, logger)}
	walk := &retrieval.GuardedGraph{Inner: graph, Guard: retrieval.NewGuard(fusion.SourceGraph, cfg.Breaker, timeout, logger)}

	lm := lifecycle.New(cfg.Lifecycle, db,
		lifecycle.WithLogger(logger.Named("lifecycle")), lifecycle.WithMetrics(metrics), lifecycle.WithClock(now))

	e := &Engine{
		DB:       db,
		Embedder: deps.Embedder,
		Router:   router.New(cfg.Router, router.WithClock(now)),
		Ranker: fusion.New(cfg.Fusion, db, dense, sparse, walk,
			fusion.WithLogger(logger.Named("fusion")), fusion.WithMetrics(metrics), fusion.WithClock(now)),
		Cache: cache.New[*fusion.Response](cfg.Cache, responseSize,
			cache.WithClock(now), cache.WithMetrics(metrics)),
		Quality: quality.New(cfg.Quality, db,
			quality.WithLogger(logger.Named("quality")), quality.WithMetrics(metrics), quality.WithClock(now)),
		Lifecycle: lm,
		Consolidation: consolidation.New(cfg.Consolidation, db, deps.Embedder, lm,
			consolidation.WithLogger(logger.Named("consolidation")), consolidation.WithMetrics(metrics), consolidation.WithClock(now)),
		Temporal: temporal.New(db, walk, temporal.WithLogger(logger.Named("temporal")), temporal.WithClock(now)),
		Jobs:     jobs.NewScheduler(jobs.NewRunner(logger.Named("jobs"), metrics), logger.Named("jobs")),
		Metrics:  metrics,
		vectors:  vectors,
		logger:   logger,
		now:      now,
		cfg:      cfg,
	}
	if err := e.registerJobs(cfg.Jobs); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerJobs(cfg config.JobsConfig) error {
	for _, j := range []struct {
		name     string
		interval time.Duration
		fn       jobs.Func
	}{
		{jobs.QualitySweep, cfg.QualitySweep, func(ctx context.Context) (any, error) {
			return e.Quality.Sweep(ctx)
		}},
		{jobs.LifecycleSweep, cfg.LifecycleSweep, func(ctx context.Context) (any, error) {
			expired := e.Cache.Sweep()
			if expired > 0 {
				e.logger.Debug("expired cache entries swept", zap.Int("entries", expired))
			}
			return e.Lifecycle.Sweep(ctx)
		}},
		{jobs.Consolidation, cfg.Consolidation, func(ctx context.Context) (any, error) {
			return e.Consolidation.Run(ctx, consolidation.Options{})
		}},
		{jobs.EmbedMissing, cfg.EmbedMissing, func(ctx context.Context) (any, error) {
			n, err := e.EmbedMissing(ctx)
			return map[string]int{"embedded": n}, err
		}},
	} {
		if err := e.Jobs.Register(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// Start heals any interrupted lifecycle writes and starts the schedules.
func (e *Engine) Start(ctx context.Context) {
	if n, err := e.Lifecycle.Heal(ctx); err != nil {
		e.logger.Warn("startup heal failed", zap.Error(err))
	} else if n > 0 {
		e.logger.Info("startup heal repaired records", zap.Int("records", n))
	}
	e.Jobs.Start(ctx)
}

// Stop shuts down the background jobs.
func (e *Engine) Stop() {
	e.Jobs.Stop()
}

// Config returns the active configuration.
func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Reload pushes new settings into every component. Server, database,
// embedding and breaker settings take effect only on restart.
func (e *Engine) Reload(cfg config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.Router.Reload(cfg.Router)
	e.Ranker.Reload(cfg.Fusion)
	e.Cache.Reload(cfg.Cache)
	e.Quality.Reload(cfg.Quality)
	e.Lifecycle.Reload(cfg.Lifecycle)
	e.Consolidation.Reload(cfg.Consolidation)
	e.Jobs.SetInterval(jobs.QualitySweep, cfg.Jobs.QualitySweep)
	e.Jobs.SetInterval(jobs.LifecycleSweep, cfg.Jobs.LifecycleSweep)
	e.Jobs.SetInterval(jobs.Consolidation, cfg.Jobs.Consolidation)
	e.Jobs.SetInterval(jobs.EmbedMissing, cfg.Jobs.EmbedMissing)
	e.logger.Info("configuration reloaded")
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// RunJob triggers a background job now and returns its result.
func (e *Engine) RunJob(ctx context.Context, name string) (any, error) {
	return e.Jobs.Trigger(ctx, name)
}

// EmbedRecord stores an embedding for one record, mirroring it into an
// external vector index when one is configured.
func (e *Engine) EmbedRecord(ctx context.Context, rec *store.Record) error {
	if e.Embedder == nil {
		return nil
	}
	vec, err := e.Embedder.Embed(ctx, rec.Content)
	if err != nil {
		return fmt.Errorf("embed record %s: %w", rec.ID, err)
	}
	return e.saveVector(ctx, rec.ID, vec)
}

func (e *Engine) saveVector(ctx context.Context, id string, vec []float64) error {
	if err := e.DB.SaveVector(ctx, id, vec, e.Embedder.Model()); err != nil {
		return err
	}
	if _, local := e.vectors.(*retrieval.SQLiteVectors); !local {
		if err := e.vectors.Upsert(ctx, id, vec); err != nil {
			return fmt.Errorf("mirror vector %s: %w", id, err)
		}
	}
	return nil
}

// batchEmbedder is implemented by providers that embed many texts per call.
type batchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

const embedBatchSize = 32

// EmbedMissing embeds every live record without a vector from the current
// model. Returns the number embedded.
func (e *Engine) EmbedMissing(ctx context.Context) (int, error) {
	if e.Embedder == nil {
		return 0, nil
	}
	ids, err := e.DB.MissingVectors(ctx, e.Embedder.Model())
	if err != nil {
		return 0, err
	}

	embedded := 0
	for start := 0; start < len(ids); start += embedBatchSize {
		if err := ctx.Err(); err != nil {
			return embedded, err
		}
		recs := make([]*store.Record, 0, embedBatchSize)
		for _, id := range ids[start:min(start+embedBatchSize, len(ids))] {
			rec, err := e.DB.GetRecord(ctx, id)
			if err != nil {
				e.logger.Warn("embed missing: load record", zap.String("id", id), zap.Error(err))
				continue
			}
			recs = append(recs, rec)
		}
		embedded += e.embedChunk(ctx, recs)
	}
	if embedded > 0 {
		e.logger.Info("embedded missing vectors", zap.Int("records", embedded))
	}
	return embedded, nil
}

// embedChunk embeds recs in one request when the provider supports it and
// one at a time otherwise. Failures are logged and skipped.
func (e *Engine) embedChunk(ctx context.Context, recs []*store.Record) int {
	if b, ok := e.Embedder.(batchEmbedder); ok && len(recs) > 1 {
		texts := make([]string, len(recs))
		for i, r := range recs {
			texts[i] = r.Content
		}
		vecs, err := b.EmbedBatch(ctx, texts)
		if err == nil {
			n := 0
			for i, r := range recs {
				if err := e.saveVector(ctx, r.ID, vecs[i]); err != nil {
					e.logger.Warn("embed missing", zap.String("id", r.ID), zap.Error(err))
					continue
				}
				n++
			}
			return n
		}
		e.logger.Warn("batch embed failed, retrying one at a time", zap.Int("records", len(recs)), zap.Error(err))
	}

	n := 0
	for _, r := range recs {
		if err := e.EmbedRecord(ctx, r); err != nil {
			e.logger.Warn("embed missing", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// responseSize estimates memory held by a cached response.
func responseSize(r *fusion.Response) int64 {
	if r == nil {
		return 0
	}
	n := int64(64)
	for _, res := range r.Results {
		n += 96
		if res.Record != nil {
			n += int64(len(res.Record.Content)+len(res.Record.ID)+len(res.Record.Project)) + 256
			for _, t := range res.Record.Tags {
				n += int64(len(t)) + 16
			}
		}
	}
	return n
}
