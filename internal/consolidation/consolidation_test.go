package consolidation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/lifecycle"
	"github.com/lazypower/memcore/internal/store"
)

var now = time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type fixture struct {
	db  *store.DB
	eng *Engine
	lm  *lifecycle.Manager
}

func newFixture(t *testing.T, mutate func(*config.ConsolidationConfig)) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default().Consolidation
	cfg.ArchiveLowUtility = false
	if mutate != nil {
		mutate(&cfg)
	}
	lm := lifecycle.New(config.Default().Lifecycle, db, lifecycle.WithClock(clock))
	return &fixture{db: db, lm: lm, eng: New(cfg, db, nil, lm, WithClock(clock))}
}

type seedOpt struct {
	kind    store.Kind
	age     time.Duration
	updated time.Duration
	tags    []string
	access  int
}

// add stores a record with healthy scores and the given vector.
func (f *fixture) add(t *testing.T, content string, vec []float64, o seedOpt) *store.Record {
	t.Helper()
	if o.kind == "" {
		o.kind = store.KindContext
	}
	if o.age == 0 {
		o.age = 40 * 24 * time.Hour
	}
	created := now.Add(-o.age)
	r := &store.Record{
		Kind:        o.kind,
		Content:     content,
		Tags:        o.tags,
		CreatedAt:   created,
		UpdatedAt:   created.Add(o.updated),
		AccessCount: o.access,
		Quality:     0.8,
		Importance:  0.5,
		Recency:     0.5,
	}
	ctx := context.Background()
	require.NoError(t, f.db.CreateRecord(ctx, r))
	if vec != nil {
		require.NoError(t, f.db.SaveVector(ctx, r.ID, vec, "test"))
	}
	return r
}

// axis returns √s·e0 + √(1-s)·e_i in six dimensions. Two such vectors on
// different axes have cosine similarity s.
func axis(s float64, i int) []float64 {
	v := make([]float64, 6)
	v[0] = math.Sqrt(s)
	v[i] = math.Sqrt(1 - s)
	return v
}

// mix returns a unit vector at cosine c from e_base, leaning on axis other.
func mix(base, other int, c float64) []float64 {
	v := make([]float64, 6)
	v[base] = c
	v[other] = math.Sqrt(1 - c*c)
	return v
}

func toward(c float64, i int) []float64 { return mix(0, i, c) }

func state(t *testing.T, db *store.DB, id string) store.State {
	t.Helper()
	r, err := db.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return r.State
}

func TestThreeSimilarMergeFourthIsolated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.add(t, "docker daemon refuses connections on the unix socket", axis(0.95, 1), seedOpt{tags: []string{"docker"}, access: 2})
	b := f.add(t, "docker socket connection refused until daemon restart", axis(0.95, 2), seedOpt{tags: []string{"socket"}, access: 1, updated: time.Hour})
	c := f.add(t, "connection refused from docker socket, daemon down", axis(0.95, 3), seedOpt{access: 4})
	// cosine 0.10 to each of the three
	lone := f.add(t, "postgres vacuum runs nightly at 02:00", toward(0.1/math.Sqrt(0.95), 4), seedOpt{})

	dry, err := f.eng.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Clusters, 1)
	cl := dry.Clusters[0]
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, cl.Members)
	assert.NotContains(t, cl.Members, lone.ID)
	assert.Equal(t, b.ID, cl.Survivor, "newest update survives")
	assert.InDelta(t, 0.95, cl.Similarity, 1e-9)
	assert.Equal(t, 2, dry.ConsolidatedCount)
	assert.Empty(t, dry.Supersedes)
	assert.True(t, dry.Complete)
	assert.Empty(t, dry.RunID)

	// dry run mutated nothing
	for _, id := range []string{a.ID, b.ID, c.ID, lone.ID} {
		assert.Equal(t, store.StateEpisodic, state(t, f.db, id))
	}

	committed, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, dry.Clusters, committed.Clusters, "dry and real runs agree on membership")
	assert.Equal(t, 2, committed.ConsolidatedCount)
	assert.True(t, committed.Complete)
	assert.NotEmpty(t, committed.RunID)

	assert.Equal(t, store.StateArchived, state(t, f.db, a.ID))
	assert.Equal(t, store.StateArchived, state(t, f.db, c.ID))
	assert.Equal(t, store.StateEpisodic, state(t, f.db, lone.ID))

	surv, err := f.db.GetRecord(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateEpisodic, surv.State)
	assert.Equal(t, []string{"docker", "socket"}, surv.Tags)
	assert.Equal(t, 7, surv.AccessCount)
	var merged []string
	for _, rel := range surv.Relations {
		if rel.Type == store.RelMergedFrom {
			merged = append(merged, rel.TargetID)
		}
	}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, merged)

	runs, err := f.db.RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, committed.RunID, runs[0].ID)
	assert.True(t, runs[0].Complete)

	// nothing left to do
	again, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, again.Clusters)
}

func TestProtectedMemberSurvives(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	dec := f.add(t, "chose sqlite because the daemon is single-user", axis(0.95, 1), seedOpt{kind: store.KindDecision})
	x := f.add(t, "sqlite picked since only one user runs the daemon", axis(0.95, 2), seedOpt{updated: time.Hour})
	y := f.add(t, "single-user daemon so sqlite was chosen", axis(0.95, 3), seedOpt{updated: 2 * time.Hour})

	rep, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Clusters, 1)
	assert.Equal(t, dec.ID, rep.Clusters[0].Survivor)
	assert.ElementsMatch(t, []string{x.ID, y.ID}, rep.Clusters[0].Absorbed)
	assert.Equal(t, store.StateEpisodic, state(t, f.db, dec.ID))
}

func TestSupersedeBand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	older := f.add(t, "staging runs on three nodes", mix(0, 1, 1), seedOpt{age: 50 * 24 * time.Hour})
	newer := f.add(t, "staging now runs on five nodes", toward(0.88, 2), seedOpt{age: 45 * 24 * time.Hour})

	rep, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Clusters)
	require.Len(t, rep.Supersedes, 1)
	s := rep.Supersedes[0]
	assert.Equal(t, newer.ID, s.Newer)
	assert.Equal(t, older.ID, s.Older)
	assert.True(t, s.Archive)
	assert.Equal(t, 1, rep.SupersededCount)
	assert.Equal(t, 1, rep.ArchivedCount)

	got, err := f.db.GetRecord(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateArchived, got.State)
	require.NotNil(t, got.Validity.To)
	assert.True(t, got.Validity.To.Equal(newer.CreatedAt))

	nw, err := f.db.GetRecord(ctx, newer.ID)
	require.NoError(t, err)
	require.Len(t, nw.Relations, 1)
	assert.Equal(t, store.RelSupersedes, nw.Relations[0].Type)
	assert.Equal(t, older.ID, nw.Relations[0].TargetID)
}

func TestProtectedNeverArchivedAsSuperseded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	oldDecision := f.add(t, "api uses rest because clients are browsers", mix(0, 1, 1), seedOpt{kind: store.KindDecision, age: 60 * 24 * time.Hour})
	newCtx := f.add(t, "api is rest, browsers are the clients", mix(0, 1, 0.88), seedOpt{age: 45 * 24 * time.Hour})

	oldPattern := f.add(t, "wrap errors with %w at package edges", mix(2, 3, 1), seedOpt{kind: store.KindPattern, age: 60 * 24 * time.Hour})
	newPattern := f.add(t, "wrap errors with %w when crossing packages", mix(2, 3, 0.88), seedOpt{kind: store.KindPattern, age: 45 * 24 * time.Hour})

	rep, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	require.Len(t, rep.Supersedes, 2)
	var newers []string
	for _, s := range rep.Supersedes {
		assert.False(t, s.Archive)
		newers = append(newers, s.Newer)
	}
	assert.ElementsMatch(t, []string{newCtx.ID, newPattern.ID}, newers)
	assert.Equal(t, 0, rep.ArchivedCount)

	d, err := f.db.GetRecord(ctx, oldDecision.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateEpisodic, d.State)
	assert.Nil(t, d.Validity.To, "a non-protected record cannot end a protected one")

	p, err := f.db.GetRecord(ctx, oldPattern.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateEpisodic, p.State)
	require.NotNil(t, p.Validity.To)
	assert.True(t, p.Validity.To.Equal(newPattern.CreatedAt))
}

func TestOlderThanDaysWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.add(t, "old one about cache ttl", axis(0.95, 1), seedOpt{age: 40 * 24 * time.Hour})
	f.add(t, "old two about cache ttl", axis(0.95, 2), seedOpt{age: 40 * 24 * time.Hour})
	f.add(t, "recent about cache ttl", axis(0.95, 3), seedOpt{age: 2 * 24 * time.Hour})

	rep, err := f.eng.Run(ctx, Options{OlderThanDays: 30, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Candidates)
	require.Len(t, rep.Clusters, 1)
	assert.Len(t, rep.Clusters[0].Members, 2)

	rep, err = f.eng.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Candidates)
	assert.Len(t, rep.Clusters[0].Members, 3)

	_, err = f.eng.Run(ctx, Options{OlderThanDays: -1})
	assert.True(t, errs.IsValidation(err))
}

func TestLowUtilityArchival(t *testing.T) {
	f := newFixture(t, func(c *config.ConsolidationConfig) { c.ArchiveLowUtility = true })
	ctx := context.Background()

	keep := f.add(t, "useful note about load balancer health checks", mix(0, 1, 1), seedOpt{})
	weak := &store.Record{Kind: store.KindContext, Content: "meh", CreatedAt: now.Add(-40 * 24 * time.Hour)}
	require.NoError(t, f.db.CreateRecord(ctx, weak))

	pv, err := f.eng.Preview(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pv.EstimatedArchives)
	require.Len(t, pv.Candidates, 1)
	assert.Equal(t, "archive", pv.Candidates[0].Action)
	assert.Equal(t, []string{weak.ID}, pv.Candidates[0].IDs)

	rep, err := f.eng.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ArchivedCount)
	assert.Equal(t, store.StateArchived, state(t, f.db, weak.ID))
	assert.Equal(t, store.StateEpisodic, state(t, f.db, keep.ID))
}

func TestSecondRunRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.eng.running.Lock()
	_, err := f.eng.Run(context.Background(), Options{})
	assert.True(t, errs.IsConflict(err))

	// dry runs do not take the lock
	_, err = f.eng.Run(context.Background(), Options{DryRun: true})
	assert.NoError(t, err)
	f.eng.running.Unlock()
}

func TestCancelledCommitAborts(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "first duplicate of the retry note", axis(0.95, 1), seedOpt{})
	f.add(t, "second duplicate of the retry note", axis(0.95, 2), seedOpt{})

	p, err := f.eng.plan(context.Background(), f.eng.Config(), Options{})
	require.NoError(t, err)
	require.Len(t, p.clusters, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := &Report{}
	err = f.eng.commit(ctx, p, rep)
	assert.True(t, errs.IsAborted(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rep.ConsolidatedCount)
	for id := range p.records {
		assert.Equal(t, store.StateEpisodic, state(t, f.db, id), "nothing committed before the first boundary")
	}
}

func TestCancelMidClusterCommitsWholeCluster(t *testing.T) {
	f := newFixture(t, nil)
	a := f.add(t, "retry the webhook with backoff", axis(0.95, 1), seedOpt{tags: []string{"webhook"}, access: 1})
	b := f.add(t, "webhook retries back off exponentially", axis(0.95, 2), seedOpt{tags: []string{"retry"}, access: 2, updated: time.Hour})
	c := f.add(t, "back off before retrying the webhook", axis(0.95, 3), seedOpt{access: 3})
	d := f.add(t, "grafana dashboards live in the ops repo", mix(4, 5, 1), seedOpt{})
	e := f.add(t, "ops repo holds the grafana dashboards", mix(4, 5, 0.99), seedOpt{})

	p, err := f.eng.plan(context.Background(), f.eng.Config(), Options{})
	require.NoError(t, err)
	require.Len(t, p.clusters, 2)
	if len(p.clusters[0].Members) != 3 {
		p.clusters[0], p.clusters[1] = p.clusters[1], p.clusters[0]
	}
	require.Equal(t, b.ID, p.clusters[0].Survivor)
	require.Len(t, p.clusters[0].Absorbed, 2)

	// the unit stamps each archive with the clock; cancel on the second one
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	f.eng.now = func() time.Time {
		calls++
		if calls == 2 {
			cancel()
		}
		return now
	}

	rep := &Report{}
	err = f.eng.commit(ctx, p, rep)
	assert.True(t, errs.IsAborted(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rep.ConsolidatedCount)

	bg := context.Background()
	for _, id := range []string{a.ID, c.ID} {
		assert.Equal(t, store.StateArchived, state(t, f.db, id))
		hist, err := f.db.History(bg, id)
		require.NoError(t, err)
		require.Len(t, hist, 1, "one event per archived member")
		assert.Equal(t, store.StateArchived, hist[0].To)
	}
	surv, err := f.db.GetRecord(bg, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, surv.AccessCount)
	assert.Equal(t, []string{"retry", "webhook"}, surv.Tags)

	// the second cluster sits past the boundary
	assert.Equal(t, store.StateEpisodic, state(t, f.db, d.ID))
	assert.Equal(t, store.StateEpisodic, state(t, f.db, e.ID))
}

func TestFailedClusterLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, nil)
	bg := context.Background()
	a := f.add(t, "pin the node version in ci", axis(0.95, 1), seedOpt{access: 1})
	b := f.add(t, "ci pins the node version", axis(0.95, 2), seedOpt{access: 2, updated: time.Hour})
	c := f.add(t, "node version is pinned for ci", axis(0.95, 3), seedOpt{access: 3})

	p, err := f.eng.plan(bg, f.eng.Config(), Options{})
	require.NoError(t, err)
	require.Len(t, p.clusters, 1)
	cl := p.clusters[0]
	require.Equal(t, b.ID, cl.Survivor)
	require.Len(t, cl.Absorbed, 2)

	// the second absorbed member turns protected between plan and commit
	_, err = f.db.ExecContext(bg, `UPDATE records SET kind = ? WHERE id = ?`, string(store.KindDecision), cl.Absorbed[1])
	require.NoError(t, err)

	rep := &Report{}
	err = f.eng.commit(bg, p, rep)
	assert.True(t, errs.IsAborted(err))
	assert.Equal(t, 0, rep.ConsolidatedCount)

	for _, id := range []string{a.ID, c.ID} {
		assert.Equal(t, store.StateEpisodic, state(t, f.db, id))
		hist, err := f.db.History(bg, id)
		require.NoError(t, err)
		assert.Empty(t, hist)
	}
	surv, err := f.db.GetRecord(bg, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, surv.AccessCount)
	assert.Empty(t, surv.Relations)
}
