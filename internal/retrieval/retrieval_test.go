package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *store.DB, id, content string) {
	t.Helper()
	require.NoError(t, db.CreateRecord(context.Background(), &store.Record{ID: id, Content: content, Kind: store.KindContext}))
}

func TestSQLiteVectorsSearch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	vs := &SQLiteVectors{DB: db, Model: "test"}

	seed(t, db, "a", "a")
	seed(t, db, "b", "b")
	seed(t, db, "c", "c")
	seed(t, db, "d", "d")
	require.NoError(t, vs.Upsert(ctx, "a", []float64{1, 0, 0}))
	require.NoError(t, vs.Upsert(ctx, "b", []float64{0.9, 0.1, 0}))
	require.NoError(t, vs.Upsert(ctx, "c", []float64{0, 1, 0}))
	require.NoError(t, vs.Upsert(ctx, "d", []float64{1, 0})) // wrong dimension, skipped

	hits, err := vs.VectorSearch(ctx, []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
}

func TestSQLiteVectorsIgnoresOtherModels(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed(t, db, "a", "a")
	seed(t, db, "b", "b")
	require.NoError(t, db.SaveVector(ctx, "a", []float64{0.6, 0.8, 0}, "tfidf"))
	require.NoError(t, db.SaveVector(ctx, "b", []float64{1, 0, 0}, "ollama:nomic-embed-text"))

	hits, err := (&SQLiteVectors{DB: db, Model: "tfidf"}).VectorSearch(ctx, []float64{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestFTSKeywords(t *testing.T) {
	db := testDB(t)
	seed(t, db, "a", "redis eviction policy set to allkeys-lru")
	seed(t, db, "b", "nothing relevant here")

	hits, err := (&FTSKeywords{DB: db}).KeywordSearch(context.Background(), []string{"redis", "eviction"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestStoreGraphBreadthFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seed(t, db, id, id)
	}
	// a -> b -> c -> d, and e -> a (inbound edge still traversed)
	require.NoError(t, db.UpsertRelation(ctx, "a", store.Relation{TargetID: "b", Type: store.RelRelated, Weight: 1}))
	require.NoError(t, db.UpsertRelation(ctx, "b", store.Relation{TargetID: "c", Type: store.RelRelated, Weight: 1}))
	require.NoError(t, db.UpsertRelation(ctx, "c", store.Relation{TargetID: "d", Type: store.RelRelated, Weight: 1}))
	require.NoError(t, db.UpsertRelation(ctx, "e", store.Relation{TargetID: "a", Type: store.RelSupersedes, Weight: 1}))

	g := &StoreGraph{DB: db}
	got, err := g.GraphNeighbors(ctx, "a", 2)
	require.NoError(t, err)

	hops := map[string]int{}
	for _, n := range got {
		hops[n.ID] = n.Hop
	}
	assert.Equal(t, map[string]int{"b": 1, "e": 1, "c": 2}, hops)

	none, err := g.GraphNeighbors(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

type failingVectors struct {
	calls int
	err   error
	delay time.Duration
}

func (f *failingVectors) VectorSearch(ctx context.Context, _ []float64, _ int) ([]Hit, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, f.err
}

func TestGuardTimeoutIsDegraded(t *testing.T) {
	inner := &failingVectors{delay: time.Second}
	g := &GuardedVectors{Inner: inner, Guard: NewGuard("dense", config.Default().Breaker, 20*time.Millisecond, nil)}

	_, err := g.VectorSearch(context.Background(), []float64{1}, 5)
	require.Error(t, err)
	assert.True(t, errs.IsDegraded(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardOpensBreaker(t *testing.T) {
	cfg := config.BreakerConfig{MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 3}
	inner := &failingVectors{err: errors.New("connection refused")}
	g := &GuardedVectors{Inner: inner, Guard: NewGuard("dense", cfg, time.Second, nil)}

	for i := 0; i < 3; i++ {
		_, err := g.VectorSearch(context.Background(), []float64{1}, 5)
		assert.True(t, errs.IsDegraded(err))
	}
	assert.Equal(t, gobreaker.StateOpen, g.Guard.State())

	// open breaker short-circuits without calling the source
	_, err := g.VectorSearch(context.Background(), []float64{1}, 5)
	assert.True(t, errs.IsDegraded(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls)
}
