// Package consolidation merges near-duplicate records, links superseded
// ones, and archives low-utility records over a time window.
//
// A run is split into plan and commit. Planning reads the window, computes
// pairwise similarity, clusters it and decides every action; a dry run
// stops there. Commit walks the planned units in order (clusters, then
// supersede links, then archivals). Each cluster and each supersede link is
// one transaction written under a context detached from cancellation, and
// cancellation is checked only between units, so an aborted run leaves
// whole units applied and nothing half merged.
package consolidation

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/lifecycle"
	"github.com/lazypower/memcore/internal/observability"
	"github.com/lazypower/memcore/internal/store"
)

const opRun = "run_consolidation"

// Options selects the window and mode of one run.
type Options struct {
	// OlderThanDays limits the run to records created at least this many
	// days ago. Zero means no lower age bound.
	OlderThanDays int  `json:"older_than_days"`
	DryRun        bool `json:"dry_run"`
}

// Cluster is one merge group.
type Cluster struct {
	Survivor   string   `json:"survivor"`
	Members    []string `json:"members"`
	Absorbed   []string `json:"absorbed"`
	Similarity float64  `json:"similarity"`
}

// Supersede is a newer record replacing an older, similar one.
type Supersede struct {
	Newer         string  `json:"newer"`
	Older         string  `json:"older"`
	Similarity    float64 `json:"similarity"`
	CloseValidity bool    `json:"close_validity"`
	Archive       bool    `json:"archive"`
}

// Archival is a low-utility record slated for archiving.
type Archival struct {
	ID      string  `json:"id"`
	Utility float64 `json:"utility"`
}

// Report is the outcome of a run. For dry runs the counts are what a real
// run would do against the same snapshot.
type Report struct {
	RunID             string      `json:"run_id,omitempty"`
	DryRun            bool        `json:"dry_run"`
	OlderThanDays     int         `json:"older_than_days"`
	Candidates        int         `json:"candidates"`
	Clusters          []Cluster   `json:"clusters"`
	Supersedes        []Supersede `json:"supersedes"`
	Archivals         []Archival  `json:"archivals"`
	ConsolidatedCount int         `json:"consolidated_count"`
	SupersededCount   int         `json:"superseded_count"`
	ArchivedCount     int         `json:"archived_count"`
	Complete          bool        `json:"complete"`
	StartedAt         time.Time   `json:"started_at"`
	FinishedAt        time.Time   `json:"finished_at"`
}

// Engine runs consolidation. At most one mutating run is active at a time.
type Engine struct {
	mu  sync.RWMutex
	cfg config.ConsolidationConfig

	running sync.Mutex

	db        *store.DB
	embedder  embedding.Embedder
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
	metrics   *observability.Collector
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *observability.Collector) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine. embedder may be nil, in which case records without
// a stored vector are left out of clustering.
func New(cfg config.ConsolidationConfig, db *store.DB, embedder embedding.Embedder, lm *lifecycle.Manager, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, db: db, embedder: embedder, lifecycle: lm, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observability.NewCollector("memcore")
	}
	return e
}

// Reload swaps in new thresholds for the next run.
func (e *Engine) Reload(cfg config.ConsolidationConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Config returns the current settings.
func (e *Engine) Config() config.ConsolidationConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Run plans and, unless opts.DryRun, commits a consolidation pass. A second
// mutating run while one is active gets Conflict. Cancellation mid-commit
// returns Aborted together with the partial report.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.OlderThanDays < 0 {
		return nil, errs.Validation(opRun, "older_than_days must be >= 0, got %d", opts.OlderThanDays)
	}
	if !opts.DryRun {
		if !e.running.TryLock() {
			return nil, errs.Conflict(opRun, "a consolidation run is already in progress")
		}
		defer e.running.Unlock()
	}

	ctx, span := observability.StartSpan(ctx, "consolidation.run", "dry_run", fmt.Sprint(opts.DryRun))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	cfg := e.Config()
	rep := &Report{DryRun: opts.DryRun, OlderThanDays: opts.OlderThanDays, StartedAt: e.now()}
	p, err := e.plan(ctx, cfg, opts)
	if err != nil {
		spanErr = err
		return nil, err
	}
	rep.Candidates = p.candidates
	rep.Clusters, rep.Supersedes, rep.Archivals = p.clusters, p.supersedes, p.archivals

	if opts.DryRun {
		rep.ConsolidatedCount, rep.SupersededCount, rep.ArchivedCount = p.estimate()
		rep.Complete = true
		rep.FinishedAt = e.now()
		return rep, nil
	}

	rep.RunID = uuid.NewString()
	err = e.commit(ctx, p, rep)
	rep.Complete = err == nil
	rep.FinishedAt = e.now()
	e.logRun(ctx, cfg, rep, err)
	if err != nil {
		spanErr = err
		return rep, err
	}

	e.logger.Info("consolidation complete",
		zap.String("run", rep.RunID),
		zap.Int("candidates", rep.Candidates),
		zap.Int("consolidated", rep.ConsolidatedCount),
		zap.Int("superseded", rep.SupersededCount),
		zap.Int("archived", rep.ArchivedCount))
	return rep, nil
}

// Candidate is one planned action in a preview.
type Candidate struct {
	Action     string   `json:"action"`
	IDs        []string `json:"ids"`
	Similarity float64  `json:"similarity,omitempty"`
}

// Preview lists what a run would do.
type Preview struct {
	Candidates              []Candidate `json:"candidates"`
	EstimatedConsolidations int         `json:"estimated_consolidations"`
	EstimatedArchives       int         `json:"estimated_archives"`
}

// Preview plans a run over the window without committing anything.
func (e *Engine) Preview(ctx context.Context, olderThanDays int) (*Preview, error) {
	rep, err := e.Run(ctx, Options{OlderThanDays: olderThanDays, DryRun: true})
	if err != nil {
		return nil, err
	}
	pv := &Preview{
		Candidates:              []Candidate{},
		EstimatedConsolidations: rep.ConsolidatedCount,
		EstimatedArchives:       rep.ArchivedCount,
	}
	for _, c := range rep.Clusters {
		pv.Candidates = append(pv.Candidates, Candidate{Action: "merge", IDs: c.Members, Similarity: c.Similarity})
	}
	for _, s := range rep.Supersedes {
		pv.Candidates = append(pv.Candidates, Candidate{Action: "supersede", IDs: []string{s.Newer, s.Older}, Similarity: s.Similarity})
	}
	for _, a := range rep.Archivals {
		pv.Candidates = append(pv.Candidates, Candidate{Action: "archive", IDs: []string{a.ID}})
	}
	return pv, nil
}

func (e *Engine) logRun(ctx context.Context, cfg config.ConsolidationConfig, rep *Report, runErr error) {
	run := store.ConsolidationRun{
		ID:           rep.RunID,
		StartedAt:    rep.StartedAt,
		FinishedAt:   rep.FinishedAt,
		WindowDays:   rep.OlderThanDays,
		Clusters:     len(rep.Clusters),
		Consolidated: rep.ConsolidatedCount,
		Superseded:   rep.SupersededCount,
		Archived:     rep.ArchivedCount,
		Complete:     rep.Complete,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// the run log is written even when the run itself was cancelled
	if err := e.db.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("consolidation run not logged", zap.String("run", rep.RunID), zap.Error(err))
	}
}

// plan is everything a run decided before touching the store.
type plan struct {
	candidates int
	records    map[string]*store.Record
	clusters   []Cluster
	supersedes []Supersede
	archivals  []Archival
}

func (p *plan) estimate() (consolidated, superseded, archived int) {
	for _, c := range p.clusters {
		consolidated += len(c.Absorbed)
	}
	for _, s := range p.supersedes {
		if s.Archive {
			archived++
		}
	}
	return consolidated, len(p.supersedes), archived + len(p.archivals)
}

func (e *Engine) plan(ctx context.Context, cfg config.ConsolidationConfig, opts Options) (*plan, error) {
	now := e.now()
	f := store.ListFilter{ExcludeArchived: true, Order: store.OrderIDAsc, Limit: cfg.MaxRecords}
	if opts.OlderThanDays > 0 {
		f.CreatedBefore = now.AddDate(0, 0, -opts.OlderThanDays)
	}
	if cfg.WithinDays > 0 {
		f.CreatedAfter = now.AddDate(0, 0, -cfg.WithinDays)
	}
	recs, err := e.db.ListRecords(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("consolidation window: %w", err)
	}

	p := &plan{candidates: len(recs), records: make(map[string]*store.Record, len(recs))}
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
		p.records[recs[i].ID] = &recs[i]
	}

	vecs, err := e.vectors(ctx, recs, ids)
	if err != nil {
		return nil, err
	}

	// items are the embedded records in id order
	var items []*store.Record
	for i := range recs {
		if _, ok := vecs[recs[i].ID]; ok {
			items = append(items, &recs[i])
		}
	}
	sim := make([][]float64, len(items))
	for i := range items {
		sim[i] = make([]float64, len(items))
		sim[i][i] = 1
	}
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			v := embedding.CosineSimilarity(vecs[items[i].ID], vecs[items[j].ID])
			sim[i][j], sim[j][i] = v, v
		}
	}

	groupOf := make([]int, len(items))
	absorbed := make(map[string]bool)
	for g, group := range NewClusterer(cfg.Clusterer).Cluster(sim, cfg.MergeThreshold) {
		for _, i := range group {
			groupOf[i] = g
		}
		if len(group) < 2 {
			continue
		}
		c := buildCluster(items, sim, group)
		if len(c.Absorbed) == 0 {
			continue
		}
		for _, id := range c.Absorbed {
			absorbed[id] = true
		}
		p.clusters = append(p.clusters, c)
	}

	p.supersedes = planSupersedes(items, sim, groupOf, absorbed, cfg)

	if cfg.ArchiveLowUtility && e.lifecycle != nil {
		touched := make(map[string]bool, len(absorbed))
		for id := range absorbed {
			touched[id] = true
		}
		for _, s := range p.supersedes {
			if s.Archive {
				touched[s.Older] = true
			}
		}
		cands, err := e.lifecycle.ArchiveCandidates(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if _, inWindow := p.records[c.Record.ID]; inWindow && !touched[c.Record.ID] {
				p.archivals = append(p.archivals, Archival{ID: c.Record.ID, Utility: c.Utility})
			}
		}
	}
	return p, nil
}

// vectors loads stored embeddings and embeds the rest in memory. Embeddings
// made here are never written back.
func (e *Engine) vectors(ctx context.Context, recs []store.Record, ids []string) (map[string][]float64, error) {
	model := ""
	if e.embedder != nil {
		model = e.embedder.Model()
	}
	vecs, err := e.db.VectorsFor(ctx, ids, model)
	if err != nil {
		return nil, fmt.Errorf("consolidation vectors: %w", err)
	}
	if e.embedder == nil {
		return vecs, nil
	}
	for i := range recs {
		if _, ok := vecs[recs[i].ID]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := e.embedder.Embed(ctx, recs[i].Content)
		if err != nil {
			e.logger.Warn("consolidation: embed failed, record skipped", zap.String("id", recs[i].ID), zap.Error(err))
			continue
		}
		vecs[recs[i].ID] = v
	}
	return vecs, nil
}

// buildCluster picks the survivor: the newest protected member if any,
// otherwise the newest member. Protected members are never absorbed.
func buildCluster(items []*store.Record, sim [][]float64, group []int) Cluster {
	survivor := -1
	for _, i := range group {
		if items[i].IsProtected() && (survivor < 0 || newer(items[i], items[survivor])) {
			survivor = i
		}
	}
	if survivor < 0 {
		for _, i := range group {
			if survivor < 0 || newer(items[i], items[survivor]) {
				survivor = i
			}
		}
	}

	c := Cluster{Survivor: items[survivor].ID}
	var sum float64
	var pairs int
	for a, i := range group {
		c.Members = append(c.Members, items[i].ID)
		if i != survivor && !items[i].IsProtected() {
			c.Absorbed = append(c.Absorbed, items[i].ID)
		}
		for _, j := range group[a+1:] {
			sum += sim[i][j]
			pairs++
		}
	}
	if pairs > 0 {
		c.Similarity = sum / float64(pairs)
	}
	return c
}

// newer orders by UpdatedAt, breaking ties toward the smaller id.
func newer(a, b *store.Record) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// created orders by CreatedAt, then id.
func created(a, b *store.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// planSupersedes links pairs in the band below the merge threshold, most
// similar first. Each record is superseded at most once. A protected older
// record is never archived; its validity closes only when the newer record
// is protected too.
func planSupersedes(items []*store.Record, sim [][]float64, groupOf []int, absorbed map[string]bool, cfg config.ConsolidationConfig) []Supersede {
	type pair struct {
		i, j int
		sim  float64
	}
	var pairs []pair
	for i := range items {
		if absorbed[items[i].ID] {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if absorbed[items[j].ID] || groupOf[i] == groupOf[j] {
				continue
			}
			if v := sim[i][j]; v >= cfg.SupersedeMin && v < cfg.MergeThreshold {
				pairs = append(pairs, pair{i, j, v})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].sim > pairs[b].sim })

	superseded := make(map[string]bool)
	var out []Supersede
	for _, pr := range pairs {
		older, newerRec := items[pr.i], items[pr.j]
		if created(newerRec, older) {
			older, newerRec = newerRec, older
		}
		if superseded[older.ID] {
			continue
		}
		superseded[older.ID] = true
		s := Supersede{Newer: newerRec.ID, Older: older.ID, Similarity: pr.sim}
		if older.IsProtected() {
			s.CloseValidity = newerRec.IsProtected()
		} else {
			s.CloseValidity, s.Archive = true, true
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) commit(ctx context.Context, p *plan, rep *Report) error {
	abort := func(err error) error {
		return errs.Aborted(opRun, "stopped at a unit boundary", err)
	}
	// units write under a detached context; ctx is only consulted between them
	unit := context.WithoutCancel(ctx)

	if e.lifecycle != nil {
		if _, err := e.lifecycle.Heal(unit); err != nil {
			return abort(err)
		}
	}

	for _, c := range p.clusters {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		n, err := e.commitCluster(unit, c)
		if err != nil {
			return abort(err)
		}
		rep.ConsolidatedCount += n
	}

	for _, s := range p.supersedes {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		archived, err := e.commitSupersede(unit, s, p.records)
		if err != nil {
			return abort(err)
		}
		rep.SupersededCount++
		if archived {
			rep.ArchivedCount++
		}
	}

	for _, a := range p.archivals {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		rec, err := e.db.GetRecord(unit, a.ID)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return abort(err)
		}
		if rec.IsProtected() || rec.Pinned {
			continue
		}
		ok, err := e.lifecycle.Archive(unit, a.ID, lifecycle.ActorSystem, fmt.Sprintf("utility %.3f below threshold", a.Utility))
		if err != nil {
			return abort(err)
		}
		if ok {
			rep.ArchivedCount++
		}
	}
	return nil
}

const unitAttempts = 3

// inUnit runs fn as one transaction, retrying on Conflict. A conflict from
// a pending audit event is healed before the retry.
func (e *Engine) inUnit(ctx context.Context, label string, fn func(*store.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := e.db.InTx(ctx, fn)
		if err == nil || !errs.IsConflict(err) || attempt+1 >= unitAttempts {
			return err
		}
		e.metrics.Conflicts.WithLabelValues(label).Inc()
		if e.lifecycle != nil {
			if _, herr := e.lifecycle.Heal(ctx); herr != nil {
				return herr
			}
		}
	}
}

// commitCluster links and archives absorbed members and folds their tags
// and access counts into the survivor, all in one transaction. Either the
// whole cluster lands or none of it does.
func (e *Engine) commitCluster(ctx context.Context, c Cluster) (int, error) {
	var merged int
	var from []store.State
	err := e.inUnit(ctx, "merge_cluster", func(tx *store.Tx) error {
		merged, from = 0, from[:0]
		surv, err := tx.Record(ctx, c.Survivor)
		if errs.IsNotFound(err) {
			e.logger.Warn("consolidation: survivor vanished, cluster skipped", zap.String("survivor", c.Survivor))
			return nil
		}
		if err != nil {
			return err
		}
		if surv.State == store.StateArchived {
			e.logger.Warn("consolidation: survivor archived since planning, cluster skipped", zap.String("survivor", c.Survivor))
			return nil
		}

		var tags []string
		var access int
		for _, id := range c.Absorbed {
			r, err := tx.Record(ctx, id)
			if errs.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if r.IsProtected() {
				return fmt.Errorf("record %s became protected after planning", id)
			}
			if r.State == store.StateArchived {
				continue
			}
			at := e.now()
			if err := tx.UpsertRelation(ctx, c.Survivor, store.Relation{TargetID: id, Type: store.RelMergedFrom, Weight: c.Similarity}, at); err != nil {
				return err
			}
			prev := r.State
			if _, err := tx.Archive(ctx, r, lifecycle.ActorSystem, "merged into "+c.Survivor, at); err != nil {
				return err
			}
			from = append(from, prev)
			merged++
			tags = append(tags, r.Tags...)
			access += r.AccessCount
		}
		if merged == 0 {
			return nil
		}
		union := append(slices.Clone(surv.Tags), tags...)
		slices.Sort(union)
		union = slices.Compact(union)
		return tx.AbsorbMerge(ctx, c.Survivor, surv.Version, union, access, e.now())
	})
	if err != nil {
		return 0, err
	}
	for _, st := range from {
		e.metrics.Transitions.WithLabelValues(string(st), string(store.StateArchived)).Inc()
	}
	e.metrics.Archived.Add(float64(merged))
	e.metrics.Consolidated.Add(float64(merged))
	return merged, nil
}

// commitSupersede links newer to older and, as planned, closes the older
// record's validity and archives it, in one transaction.
func (e *Engine) commitSupersede(ctx context.Context, s Supersede, planned map[string]*store.Record) (bool, error) {
	newerRec, ok := planned[s.Newer]
	if !ok {
		return false, errs.NotFound(opRun, s.Newer)
	}
	var archived bool
	var prev store.State
	err := e.inUnit(ctx, "supersede", func(tx *store.Tx) error {
		archived = false
		older, err := tx.Record(ctx, s.Older)
		if err != nil {
			return err
		}
		if s.Archive && older.IsProtected() {
			return fmt.Errorf("record %s became protected after planning", s.Older)
		}
		at := e.now()
		if err := tx.UpsertRelation(ctx, s.Newer, store.Relation{TargetID: s.Older, Type: store.RelSupersedes, Weight: s.Similarity}, at); err != nil {
			return err
		}
		if s.CloseValidity {
			end := newerRec.CreatedAt
			if end.Before(older.Validity.From) {
				end = older.Validity.From
			}
			if err := tx.CloseValidity(ctx, s.Older, end); err != nil {
				return err
			}
		}
		if !s.Archive {
			return nil
		}
		prev = older.State
		archived, err = tx.Archive(ctx, older, lifecycle.ActorSystem, "superseded by "+s.Newer, at)
		return err
	})
	if err != nil {
		return false, err
	}
	e.metrics.Superseded.Inc()
	if archived {
		e.metrics.Transitions.WithLabelValues(string(prev), string(store.StateArchived)).Inc()
		e.metrics.Archived.Inc()
	}
	return archived, nil
}
