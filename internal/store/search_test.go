package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordSearchRanksMatches(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed(t, db, &Record{ID: "a", Content: "docker daemon refused the connection on startup", Kind: KindError})
	seed(t, db, &Record{ID: "b", Content: "docker compose file for the api stack", Kind: KindReference})
	seed(t, db, &Record{ID: "c", Content: "prefer tabs over spaces", Kind: KindDecision})

	hits, err := db.KeywordSearch(ctx, []string{"docker", "connection"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].RecordID, "both terms beat one term")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestKeywordSearchTokensWithPunctuation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed(t, db, &Record{ID: "e", Content: "ECONNREFUSED from pg_connect when the pool is exhausted", Kind: KindError})

	hits, err := db.KeywordSearch(ctx, []string{`pg_connect()`, `"ECONNREFUSED"`}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e", hits[0].RecordID)

	none, err := db.KeywordSearch(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestKeywordIndexFollowsUpdates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{ID: "t", Content: "kubernetes ingress notes", Kind: KindReference, Tags: []string{"k8s"}})

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		return tx.AbsorbMerge(ctx, r.ID, r.Version, []string{"k8s", "networking"}, 0, time.Now())
	}))

	hits, err := db.KeywordSearch(ctx, []string{"networking"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t", hits[0].RecordID)
}

func TestAddRating(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{Content: "rated", Kind: KindInsight})

	mean, err := db.AddRating(ctx, r.ID, 1.0, "spot on")
	require.NoError(t, err)
	assert.Equal(t, 1.0, mean)

	mean, err = db.AddRating(ctx, r.ID, 0.5, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, mean, 1e-9)

	got, err := db.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Rating)
	assert.InDelta(t, 0.75, *got.Rating, 1e-9)
	assert.Equal(t, 2, got.RatingCount)

	_, err = db.AddRating(ctx, "ghost", 1, "")
	assert.True(t, errs.IsNotFound(err))
}

func TestConsolidationRunLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)

	require.NoError(t, db.RecordRun(ctx, ConsolidationRun{ID: "r1", StartedAt: start, FinishedAt: start.Add(time.Second), Clusters: 2, Consolidated: 3, Complete: true}))
	require.NoError(t, db.RecordRun(ctx, ConsolidationRun{ID: "r2", StartedAt: start.Add(10 * time.Second), FinishedAt: start.Add(11 * time.Second), Complete: false, Error: "cancelled"}))

	runs, err := db.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
	assert.False(t, runs[0].Complete)
	assert.Equal(t, 3, runs[1].Consolidated)
}
