package store

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetRecord(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	r := seed(t, db, &Record{
		Content:    "Use connection pooling for the postgres client",
		Kind:       KindDecision,
		Tags:       []string{"postgres", "perf", "postgres"},
		Project:    "api",
		Importance: 1.7,
		Quality:    -0.2,
	})
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StateEpisodic, r.State)
	assert.Equal(t, int64(1), r.Version)

	got, err := db.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Content, got.Content)
	assert.Equal(t, []string{"perf", "postgres"}, got.Tags)
	assert.Equal(t, 1.0, got.Importance, "scores clamp on write")
	assert.Equal(t, 0.0, got.Quality)
	assert.Nil(t, got.Validity.To)
	assert.True(t, got.IsProtected())
	assert.WithinDuration(t, r.CreatedAt, got.Validity.From, time.Millisecond)
}

func TestGetRecordNotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetRecord(context.Background(), "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestCreateRecordValidation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	assert.True(t, errs.IsValidation(db.CreateRecord(ctx, &Record{Content: "x", Kind: "gossip"})))
	assert.True(t, errs.IsValidation(db.CreateRecord(ctx, &Record{Content: "  ", Kind: KindContext})))

	r := seed(t, db, &Record{ID: "dup", Content: "first", Kind: KindContext})
	err := db.CreateRecord(ctx, &Record{ID: r.ID, Content: "second", Kind: KindContext})
	assert.True(t, errs.IsConflict(err))
}

func TestIsProtected(t *testing.T) {
	tests := []struct {
		kind     Kind
		resolved bool
		want     bool
	}{
		{KindDecision, false, true},
		{KindPattern, false, true},
		{KindError, true, true},
		{KindError, false, false},
		{KindContext, false, false},
		{KindInsight, true, false},
	}
	for _, tt := range tests {
		r := Record{Kind: tt.kind, Resolved: tt.resolved}
		assert.Equal(t, tt.want, r.IsProtected(), "%s resolved=%v", tt.kind, tt.resolved)
	}
}

func TestUpdateScoresCompareAndSet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{Content: "scored", Kind: KindInsight})

	v2, err := db.UpdateScores(ctx, r.ID, r.Version, Scores{Importance: 0.4, Recency: 0.9, Quality: 0.6}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, r.Version+1, v2)

	// stale version loses
	_, err = db.UpdateScores(ctx, r.ID, r.Version, Scores{Importance: 0.1}, time.Now())
	assert.True(t, errs.IsConflict(err))

	_, err = db.UpdateScores(ctx, "ghost", 1, Scores{}, time.Now())
	assert.True(t, errs.IsNotFound(err))

	got, err := db.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.4, got.Importance)
	assert.False(t, got.ScoredAt.IsZero())
}

func TestTouchRecord(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{Content: "touched", Kind: KindContext})

	at := time.Now().UTC().Truncate(time.Millisecond)
	got, err := db.TouchRecord(ctx, r.ID, at)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	require.NotNil(t, got.LastAccessedAt)
	assert.True(t, at.Equal(*got.LastAccessedAt))

	_, err = db.TouchRecord(ctx, "ghost", at)
	assert.True(t, errs.IsNotFound(err))
}

func TestApplyStateGuardsFromState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{Content: "state", Kind: KindContext, AccessCount: 4})

	require.NoError(t, db.ApplyState(ctx, r.ID, StateEpisodic, StateSemantic, time.Now()))
	got, err := db.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSemantic, got.State)
	assert.Equal(t, 4, got.StateAccessBase)
	assert.Equal(t, 0, got.AccessesSinceStateEntry())

	err = db.ApplyState(ctx, r.ID, StateEpisodic, StateArchived, time.Now())
	assert.True(t, errs.IsConflict(err))
}

func TestCloseValidityIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	r := seed(t, db, &Record{Content: "fact", Kind: KindReference})

	end := r.CreatedAt.Add(time.Hour)
	first, closed, err := db.CloseValidity(ctx, r.ID, end)
	require.NoError(t, err)
	assert.True(t, closed)

	second, closed, err := db.CloseValidity(ctx, r.ID, end.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, closed)
	assert.True(t, first.Equal(second))

	_, _, err = db.CloseValidity(ctx, "ghost", end)
	assert.True(t, errs.IsNotFound(err))
}

func TestListRecordsFilters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	base := time.Now().Add(-72 * time.Hour).UTC()

	seed(t, db, &Record{ID: "a", Content: "alpha", Kind: KindError, Project: "api", Tags: []string{"db"}, CreatedAt: base})
	seed(t, db, &Record{ID: "b", Content: "beta", Kind: KindDecision, Project: "api", CreatedAt: base.Add(time.Hour)})
	seed(t, db, &Record{ID: "c", Content: "gamma", Kind: KindContext, Project: "web", Tags: []string{"db", "ui"}, CreatedAt: base.Add(2 * time.Hour)})
	seed(t, db, &Record{ID: "d", Content: "delta", Kind: KindContext, State: StateArchived, CreatedAt: base.Add(3 * time.Hour)})

	ids := func(rs []Record) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := db.ListRecords(ctx, ListFilter{Order: OrderIDAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(all))

	live, err := db.ListRecords(ctx, ListFilter{ExcludeArchived: true, Order: OrderCreatedAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(live))

	api, err := db.ListRecords(ctx, ListFilter{Project: "api", Kinds: []Kind{KindError}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(api))

	tagged, err := db.ListRecords(ctx, ListFilter{Tags: []string{"db"}, Order: OrderIDAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(tagged))

	old, err := db.ListRecords(ctx, ListFilter{CreatedBefore: base.Add(90 * time.Minute), Order: OrderIDAsc})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(old))

	limited, err := db.ListRecords(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, "d", limited[0].ID, "default order is newest first")
}

func TestStateCounts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed(t, db, &Record{Content: "one", Kind: KindContext})
	seed(t, db, &Record{Content: "two", Kind: KindContext, State: StateSemantic})
	seed(t, db, &Record{Content: "three", Kind: KindContext, State: StateSemantic})

	counts, err := db.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateEpisodic])
	assert.Equal(t, 2, counts[StateSemantic])
	assert.Equal(t, 0, counts[StateArchived])

	n, err := db.CountRecords(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

