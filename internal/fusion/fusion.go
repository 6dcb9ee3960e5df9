// Package fusion executes a query plan against the retrieval sources and
// merges their candidates into one ranked list.
package fusion

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/retrieval"
	"github.com/lazypower/memcore/internal/router"
	"github.com/lazypower/memcore/internal/store"
)

// Source names used in degraded annotations and metrics.
const (
	SourceDense  = "dense"
	SourceSparse = "sparse"
	SourceGraph  = "graph"
)

// RecordReader loads candidate records by id.
type RecordReader interface {
	GetRecordsByIDs(ctx context.Context, ids []string) (map[string]*store.Record, error)
}

// Result is one ranked record.
type Result struct {
	Record   *store.Record `json:"record"`
	Score    float64       `json:"score"`
	Dense    float64       `json:"dense"`
	Sparse   float64       `json:"sparse"`
	Expanded bool          `json:"expanded,omitempty"`
	Hop      int           `json:"hop,omitempty"`
	Via      string        `json:"via,omitempty"`
}

// Response is a ranked list plus degradation annotations.
type Response struct {
	Results         []Result `json:"results"`
	Degraded        bool     `json:"degraded"`
	DegradedSources []string `json:"degraded_sources,omitempty"`
}

func (r *Response) degrade(source string) {
	for _, s := range r.DegradedSources {
		if s == source {
			return
		}
	}
	r.Degraded = true
	r.DegradedSources = append(r.DegradedSources, source)
}

// Ranker fuses dense and sparse retrieval and optionally expands over the
// relation graph.
type Ranker struct {
	mu  sync.RWMutex
	cfg config.FusionConfig

	records RecordReader
	dense   retrieval.VectorSearcher
	sparse  retrieval.KeywordSearcher
	graph   retrieval.GraphSearcher

	logger  *zap.Logger
	metrics *observability.Collector
	now     func() time.Time
}

// Option configures a Ranker.
type Option func(*Ranker)

func WithLogger(l *zap.Logger) Option { return func(r *Ranker) { r.logger = l } }

func WithMetrics(m *observability.Collector) Option { return func(r *Ranker) { r.metrics = m } }

func WithClock(now func() time.Time) Option { return func(r *Ranker) { r.now = now } }

// New creates a ranker. Any of dense, sparse or graph may be nil; a nil
// source is treated as unavailable.
func New(cfg config.FusionConfig, records RecordReader, dense retrieval.VectorSearcher,
	sparse retrieval.KeywordSearcher, graph retrieval.GraphSearcher, opts ...Option) *Ranker {
	r := &Ranker{
		cfg:     cfg,
		records: records,
		dense:   dense,
		sparse:  sparse,
		graph:   graph,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observability.NewCollector("memcore")
	}
	return r
}

// Reload swaps in new fusion settings.
func (r *Ranker) Reload(cfg config.FusionConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Ranker) current() config.FusionConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Rank runs plan and returns at most limit results. A nil queryVec means
// the dense source cannot be consulted. Source failures degrade the
// response; only a failure to read the record store is an error.
func (r *Ranker) Rank(ctx context.Context, plan router.Plan, queryVec []float64, limit int) (*Response, error) {
	cfg := r.current()
	if limit <= 0 {
		limit = 10
	}
	fetch := limit * cfg.FetchMultiplier
	resp := &Response{Results: []Result{}}

	ctx, span := observability.StartSpan(ctx, "fusion.rank",
		"strategy", string(plan.Strategy), "intent", string(plan.Intent))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	wantDense := plan.Strategy.UsesDense() && plan.Weights.Dense > 0
	wantSparse := plan.Strategy.UsesSparse() && plan.Weights.Sparse > 0 && len(plan.Terms) > 0

	var denseHits, sparseHits []retrieval.Hit
	var denseErr, sparseErr error
	var g errgroup.Group
	if wantDense {
		g.Go(func() error {
			if r.dense == nil || len(queryVec) == 0 {
				denseErr = errUnavailable
				return nil
			}
			denseHits, denseErr = r.dense.VectorSearch(ctx, queryVec, fetch)
			return nil
		})
	}
	if wantSparse {
		g.Go(func() error {
			if r.sparse == nil {
				sparseErr = errUnavailable
				return nil
			}
			sparseHits, sparseErr = r.sparse.KeywordSearch(ctx, plan.Terms, fetch)
			return nil
		})
	}
	_ = g.Wait()

	wd, ws := plan.Weights.Dense, plan.Weights.Sparse
	if !wantDense {
		wd = 0
	}
	if !wantSparse {
		ws = 0
	}
	if denseErr != nil {
		r.sourceFailed(resp, SourceDense, denseErr)
		wd, denseHits = 0, nil
	}
	if sparseErr != nil {
		r.sourceFailed(resp, SourceSparse, sparseErr)
		ws, sparseHits = 0, nil
	}
	if wd+ws == 0 {
		// A degraded source's weight moved to nothing: the plan's only
		// usable sources failed.
		return resp, nil
	}
	sum := wd + ws
	wd, ws = wd/sum, ws/sum

	nd := Normalize(denseHits)
	ns := Normalize(sparseHits)

	ids := make([]string, 0, len(nd)+len(ns))
	for id := range nd {
		ids = append(ids, id)
	}
	for id := range ns {
		if _, ok := nd[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return resp, nil
	}

	recs, err := r.records.GetRecordsByIDs(ctx, ids)
	if err != nil {
		spanErr = err
		return nil, err
	}

	now := r.now()
	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		rec, ok := recs[id]
		if !ok || !Admit(rec, plan, now) {
			continue
		}
		d, s := nd[id], ns[id]
		results = append(results, Result{
			Record: rec,
			Score:  Fuse(wd, ws, d, s),
			Dense:  d,
			Sparse: s,
		})
	}
	sortResults(results)

	if plan.Expand && r.graph != nil && cfg.GraphMaxHops > 0 && cfg.GraphSeeds > 0 {
		expanded, err := r.expand(ctx, cfg, plan, results, now)
		if err != nil {
			r.sourceFailed(resp, SourceGraph, err)
		}
		results = append(results, expanded...)
		sortResults(results)
	} else if plan.Expand && r.graph == nil {
		r.sourceFailed(resp, SourceGraph, errUnavailable)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results
	return resp, nil
}

// expand walks the graph from the top seeds. Each hop admits at most
// GraphMaxPerHop new nodes across all seeds; an expanded node scores
// seed × decay^hop. Direct candidates are never rescored.
func (r *Ranker) expand(ctx context.Context, cfg config.FusionConfig, plan router.Plan, direct []Result, now time.Time) ([]Result, error) {
	seeds := direct
	if len(seeds) > cfg.GraphSeeds {
		seeds = seeds[:cfg.GraphSeeds]
	}

	present := make(map[string]bool, len(direct))
	for _, d := range direct {
		present[d.Record.ID] = true
	}

	type cand struct {
		score float64
		hop   int
		via   string
	}
	found := make(map[string]cand)
	perHop := make(map[int]int)
	var firstErr error

	for _, seed := range seeds {
		neighbors, err := r.graph.GraphNeighbors(ctx, seed.Record.ID, cfg.GraphMaxHops)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, n := range neighbors {
			if n.Hop < 1 || n.Hop > cfg.GraphMaxHops || present[n.ID] {
				continue
			}
			score := seed.Score * math.Pow(cfg.GraphDecay, float64(n.Hop))
			if prev, ok := found[n.ID]; ok {
				if score > prev.score {
					found[n.ID] = cand{score: score, hop: n.Hop, via: seed.Record.ID}
				}
				continue
			}
			if perHop[n.Hop] >= cfg.GraphMaxPerHop {
				continue
			}
			perHop[n.Hop]++
			found[n.ID] = cand{score: score, hop: n.Hop, via: seed.Record.ID}
		}
	}
	if len(found) == 0 {
		return nil, firstErr
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	recs, err := r.records.GetRecordsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(found))
	for id, c := range found {
		rec, ok := recs[id]
		if !ok || !Admit(rec, plan, now) {
			continue
		}
		out = append(out, Result{Record: rec, Score: c.score, Expanded: true, Hop: c.hop, Via: c.via})
	}
	return out, firstErr
}

func (r *Ranker) sourceFailed(resp *Response, source string, err error) {
	resp.degrade(source)
	r.metrics.Degraded.WithLabelValues(source).Inc()
	if err != errUnavailable {
		r.metrics.SourceFailures.WithLabelValues(source).Inc()
	}
	r.logger.Warn("retrieval source degraded", zap.String("source", source), zap.Error(err))
}

// Admit reports whether rec passes the plan's filters at now. Archived and
// obsolete records are excluded unless the filters ask for them.
func Admit(rec *store.Record, plan router.Plan, now time.Time) bool {
	f := plan.Filters
	if rec.State == store.StateArchived && !f.IncludeArchived {
		return false
	}
	if rec.Obsolete(now) && !f.IncludeObsolete {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if rec.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Project != "" && rec.Project != f.Project {
		return false
	}
	for _, want := range f.Tags {
		ok := false
		for _, have := range rec.Tags {
			if have == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return plan.Window().Contains(rec.CreatedAt)
}

// Normalize min-max scales hit scores into [0,1]. A single hit, or a list
// whose scores are all equal, normalizes to 1.0.
func Normalize(hits []retrieval.Hit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, h := range hits {
		if math.IsNaN(h.Score) {
			continue
		}
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}
	span := hi - lo
	for _, h := range hits {
		var v float64
		switch {
		case math.IsNaN(h.Score):
			v = 0
		case span <= 0:
			v = 1
		default:
			v = (h.Score - lo) / span
		}
		if prev, ok := out[h.ID]; !ok || v > prev {
			out[h.ID] = v
		}
	}
	return out
}

// Fuse combines normalized scores with weights that sum to 1.
func Fuse(wDense, wSparse, normDense, normSparse float64) float64 {
	return store.Clamp01(wDense*normDense + wSparse*normSparse)
}

// sortResults orders by score, then direct before expanded, then recency,
// importance and id.
func sortResults(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Expanded != b.Expanded {
			return !a.Expanded
		}
		if a.Record.Recency != b.Record.Recency {
			return a.Record.Recency > b.Record.Recency
		}
		if a.Record.Importance != b.Record.Importance {
			return a.Record.Importance > b.Record.Importance
		}
		return a.Record.ID < b.Record.ID
	})
}

var errUnavailable = errors.New("source not configured")
