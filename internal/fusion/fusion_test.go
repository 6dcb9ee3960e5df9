package fusion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/retrieval"
	"github.com/lazypower/memcore/internal/router"
	"github.com/lazypower/memcore/internal/store"
)

type fakeVectors struct {
	hits []retrieval.Hit
	err  error
}

func (f *fakeVectors) VectorSearch(_ context.Context, _ []float64, k int) ([]retrieval.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

type fakeKeywords struct {
	hits []retrieval.Hit
	err  error
}

func (f *fakeKeywords) KeywordSearch(_ context.Context, _ []string, k int) ([]retrieval.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

type fakeGraph map[string][]retrieval.Neighbor

func (g fakeGraph) GraphNeighbors(_ context.Context, id string, _ int) ([]retrieval.Neighbor, error) {
	return g[id], nil
}

type memRecords map[string]*store.Record

func (m memRecords) GetRecordsByIDs(_ context.Context, ids []string) (map[string]*store.Record, error) {
	out := make(map[string]*store.Record)
	for _, id := range ids {
		if r, ok := m[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

var now = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func records(ids ...string) memRecords {
	m := memRecords{}
	for _, id := range ids {
		m[id] = &store.Record{ID: id, Kind: store.KindContext, State: store.StateSemantic, CreatedAt: now.Add(-time.Hour)}
	}
	return m
}

func hybridPlan() router.Plan {
	return router.Plan{
		Terms:    []string{"docker"},
		Intent:   router.IntentUnknown,
		Strategy: router.StrategyHybrid,
		Weights:  config.Weights{Dense: 0.5, Sparse: 0.5},
	}
}

func newRanker(recs memRecords, dense retrieval.VectorSearcher, sparse retrieval.KeywordSearcher, graph retrieval.GraphSearcher) *Ranker {
	return New(config.Default().Fusion, recs, dense, sparse, graph, WithClock(func() time.Time { return now }))
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Record.ID
	}
	return out
}

func TestNormalize(t *testing.T) {
	n := Normalize([]retrieval.Hit{{ID: "a", Score: 10}, {ID: "b", Score: 5}, {ID: "c", Score: 0}})
	assert.Equal(t, map[string]float64{"a": 1, "b": 0.5, "c": 0}, n)

	// constant list normalizes to 1
	n = Normalize([]retrieval.Hit{{ID: "a", Score: 3}, {ID: "b", Score: 3}})
	assert.Equal(t, map[string]float64{"a": 1, "b": 1}, n)

	assert.Empty(t, Normalize(nil))
}

func TestFuseBoundedAndMonotonic(t *testing.T) {
	weights := []config.Weights{{Dense: 0.5, Sparse: 0.5}, {Dense: 0.7, Sparse: 0.3}, {Dense: 0.3, Sparse: 0.7}, {Dense: 1, Sparse: 0}}
	steps := []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1}
	for _, w := range weights {
		for _, fixed := range steps {
			prevD, prevS := -1.0, -1.0
			for _, v := range steps {
				fd := Fuse(w.Dense, w.Sparse, v, fixed)
				fs := Fuse(w.Dense, w.Sparse, fixed, v)
				assert.GreaterOrEqual(t, fd, 0.0)
				assert.LessOrEqual(t, fd, 1.0)
				assert.GreaterOrEqual(t, fd, prevD)
				assert.GreaterOrEqual(t, fs, prevS)
				prevD, prevS = fd, fs
			}
		}
	}
}

func TestRankHybrid(t *testing.T) {
	recs := records("a", "b", "c")
	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.5}}}
	sparse := &fakeKeywords{hits: []retrieval.Hit{{ID: "b", Score: 12}, {ID: "c", Score: 2}}}

	resp, err := newRanker(recs, dense, sparse, nil).Rank(context.Background(), hybridPlan(), []float64{1}, 10)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)

	// a: 0.5*1 + 0 ; b: 0.5*0 + 0.5*1 ; c: 0 + 0
	require.Len(t, resp.Results, 3)
	assert.InDelta(t, 0.5, resp.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.5, resp.Results[1].Score, 1e-9)
	assert.Equal(t, []string{"a", "b", "c"}, ids(resp.Results))
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestRankTieBreak(t *testing.T) {
	recs := records("a", "b", "c", "d")
	recs["b"].Recency = 0.9
	recs["c"].Importance = 0.8
	recs["d"].Importance = 0.8
	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "a", Score: 1}, {ID: "b", Score: 1}, {ID: "c", Score: 1}, {ID: "d", Score: 1}}}

	plan := hybridPlan()
	plan.Strategy = router.StrategySemanticOnly
	plan.Weights = config.Weights{Dense: 1}
	resp, err := newRanker(recs, dense, nil, nil).Rank(context.Background(), plan, []float64{1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "a"}, ids(resp.Results))
}

func TestRankDegradedSourceMovesWeight(t *testing.T) {
	recs := records("a", "b")
	dense := &fakeVectors{err: errs.Degraded("vector_search", "dense", context.DeadlineExceeded)}
	sparse := &fakeKeywords{hits: []retrieval.Hit{{ID: "a", Score: 4}, {ID: "b", Score: 2}}}

	resp, err := newRanker(recs, dense, sparse, nil).Rank(context.Background(), hybridPlan(), []float64{1}, 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{SourceDense}, resp.DegradedSources)
	require.Len(t, resp.Results, 2)
	// sparse carries the full weight
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)
	assert.InDelta(t, 0.0, resp.Results[1].Score, 1e-9)
}

func TestRankBothSourcesDown(t *testing.T) {
	boom := errors.New("unreachable")
	resp, err := newRanker(records("a"), &fakeVectors{err: boom}, &fakeKeywords{err: boom}, nil).
		Rank(context.Background(), hybridPlan(), []float64{1}, 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.ElementsMatch(t, []string{SourceDense, SourceSparse}, resp.DegradedSources)
	assert.Empty(t, resp.Results)
}

func TestRankMissingQueryVectorDegradesDense(t *testing.T) {
	sparse := &fakeKeywords{hits: []retrieval.Hit{{ID: "a", Score: 1}}}
	resp, err := newRanker(records("a"), &fakeVectors{}, sparse, nil).Rank(context.Background(), hybridPlan(), nil, 10)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, []string{"a"}, ids(resp.Results))
}

func TestRankFiltersArchivedAndObsolete(t *testing.T) {
	recs := records("live", "archived", "obsolete", "other-project")
	recs["archived"].State = store.StateArchived
	closed := now.Add(-time.Minute)
	recs["obsolete"].Validity.To = &closed
	recs["other-project"].Project = "elsewhere"
	for _, r := range recs {
		if r.ID != "other-project" {
			r.Project = "mine"
		}
	}
	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "live", Score: 1}, {ID: "archived", Score: 1}, {ID: "obsolete", Score: 1}, {ID: "other-project", Score: 1}}}
	plan := hybridPlan()
	plan.Strategy = router.StrategySemanticOnly
	plan.Weights = config.Weights{Dense: 1}
	plan.Filters.Project = "mine"

	r := newRanker(recs, dense, nil, nil)
	resp, err := r.Rank(context.Background(), plan, []float64{1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, ids(resp.Results))

	plan.Filters.IncludeArchived = true
	plan.Filters.IncludeObsolete = true
	resp, err = r.Rank(context.Background(), plan, []float64{1}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"live", "archived", "obsolete"}, ids(resp.Results))
}

func TestRankGraphExpansion(t *testing.T) {
	recs := records("seed", "n1", "n2", "direct")
	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "seed", Score: 1}, {ID: "direct", Score: 0}}}
	graph := fakeGraph{
		"seed": {
			{ID: "n1", ParentID: "seed", Hop: 1},
			{ID: "n2", ParentID: "n1", Hop: 2},
			{ID: "direct", ParentID: "seed", Hop: 1},
		},
	}
	plan := hybridPlan()
	plan.Strategy = router.StrategyGraphExpansion
	plan.Weights = config.Weights{Dense: 1}
	plan.Expand = true

	resp, err := newRanker(recs, dense, nil, graph).Rank(context.Background(), plan, []float64{1}, 10)
	require.NoError(t, err)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, []string{"seed", "n1", "n2", "direct"}, ids(resp.Results))

	byID := map[string]Result{}
	for _, r := range resp.Results {
		byID[r.Record.ID] = r
	}
	assert.InDelta(t, 0.6, byID["n1"].Score, 1e-9)
	assert.InDelta(t, 0.36, byID["n2"].Score, 1e-9)
	assert.True(t, byID["n2"].Expanded)
	assert.Equal(t, "seed", byID["n2"].Via)
	// direct match keeps its own score and is not marked expanded
	assert.False(t, byID["direct"].Expanded)
}

func TestRankGraphPerHopCap(t *testing.T) {
	recs := records("seed")
	var neighbors []retrieval.Neighbor
	for i := 0; i < 15; i++ {
		id := string(rune('a' + i))
		recs[id] = &store.Record{ID: id, Kind: store.KindContext, State: store.StateSemantic, CreatedAt: now.Add(-time.Hour)}
		neighbors = append(neighbors, retrieval.Neighbor{ID: id, ParentID: "seed", Hop: 1})
	}
	plan := hybridPlan()
	plan.Strategy = router.StrategyGraphExpansion
	plan.Weights = config.Weights{Dense: 1}
	plan.Expand = true

	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "seed", Score: 1}}}
	resp, err := newRanker(recs, dense, nil, fakeGraph{"seed": neighbors}).Rank(context.Background(), plan, []float64{1}, 50)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1+config.Default().Fusion.GraphMaxPerHop)
}

func TestRankDirectBeatsExpandedAtEqualScore(t *testing.T) {
	recs := records("seed", "x", "y")
	recs["x"].Recency = 1 // would win on recency if the expanded flag were ignored
	dense := &fakeVectors{hits: []retrieval.Hit{{ID: "seed", Score: 1}, {ID: "y", Score: 0.6}, {ID: "low", Score: 0}}}
	plan := hybridPlan()
	plan.Strategy = router.StrategyGraphExpansion
	plan.Weights = config.Weights{Dense: 1}
	plan.Expand = true

	resp, err := newRanker(recs, dense, nil, fakeGraph{"seed": {{ID: "x", Hop: 1}}}).Rank(context.Background(), plan, []float64{1}, 10)
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, []string{"seed", "y", "x"}, ids(resp.Results))
}

func TestRankTruncates(t *testing.T) {
	recs := records("a", "b", "c", "d", "e")
	var hits []retrieval.Hit
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		hits = append(hits, retrieval.Hit{ID: id, Score: float64(5 - i)})
	}
	plan := hybridPlan()
	plan.Strategy = router.StrategySemanticOnly
	plan.Weights = config.Weights{Dense: 1}
	resp, err := newRanker(recs, &fakeVectors{hits: hits}, nil, nil).Rank(context.Background(), plan, []float64{1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(resp.Results))
}
