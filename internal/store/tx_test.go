package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/errs"
)

func TestTxMergeCommitsTogether(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	surv := seed(t, db, &Record{ID: "s", Content: "survivor", Kind: KindInsight, Tags: []string{"a"}, AccessCount: 2})
	seed(t, db, &Record{ID: "m", Content: "member", Kind: KindInsight, Tags: []string{"b"}, AccessCount: 3})
	at := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.InTx(ctx, func(tx *Tx) error {
		m, err := tx.Record(ctx, "m")
		if err != nil {
			return err
		}
		if err := tx.UpsertRelation(ctx, "s", Relation{TargetID: "m", Type: RelMergedFrom, Weight: 0.95}, at); err != nil {
			return err
		}
		changed, err := tx.Archive(ctx, m, "system", "merged into s", at)
		if err != nil {
			return err
		}
		assert.True(t, changed)
		again, err := tx.Archive(ctx, m, "system", "merged into s", at)
		assert.False(t, again, "archiving an archived record is a no-op")
		if err != nil {
			return err
		}
		return tx.AbsorbMerge(ctx, "s", surv.Version, []string{"a", "b"}, 3, at)
	}))

	got, err := db.GetRecord(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, 5, got.AccessCount)
	require.Len(t, got.Relations, 1)
	assert.Equal(t, RelMergedFrom, got.Relations[0].Type)

	m, err := db.GetRecord(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, StateArchived, m.State)
	hist, err := db.History(ctx, "m")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, StateEpisodic, hist[0].From)
	assert.Equal(t, StateArchived, hist[0].To)
}

func TestTxRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	surv := seed(t, db, &Record{ID: "s", Content: "survivor", Kind: KindInsight})
	seed(t, db, &Record{ID: "m", Content: "member", Kind: KindInsight})
	at := time.Now()

	err := db.InTx(ctx, func(tx *Tx) error {
		m, err := tx.Record(ctx, "m")
		if err != nil {
			return err
		}
		if _, err := tx.Archive(ctx, m, "system", "merged", at); err != nil {
			return err
		}
		// stale version: the whole unit must roll back
		return tx.AbsorbMerge(ctx, "s", surv.Version+7, nil, 1, at)
	})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	m, err := db.GetRecord(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, StateEpisodic, m.State)
	hist, err := db.History(ctx, "m")
	require.NoError(t, err)
	assert.Empty(t, hist)

	boom := errors.New("boom")
	assert.ErrorIs(t, db.InTx(ctx, func(*Tx) error { return boom }), boom)
}

func TestTxArchiveRefusesUnappliedTransition(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seed(t, db, &Record{ID: "m", Content: "member", Kind: KindInsight})
	// event written but its state never applied
	require.NoError(t, db.AppendAudit(ctx, &AuditEvent{RecordID: "m", Seq: 1, From: StateEpisodic, To: StateSemantic, Actor: "x"}))

	err := db.InTx(ctx, func(tx *Tx) error {
		m, err := tx.Record(ctx, "m")
		if err != nil {
			return err
		}
		_, err = tx.Archive(ctx, m, "system", "merged", time.Now())
		return err
	})
	assert.True(t, errs.IsConflict(err))
}
