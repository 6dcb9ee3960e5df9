// Package temporal answers point-in-time questions over record validity
// intervals.
package temporal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/lazypower/memcore/internal/retrieval"
	"github.com/lazypower/memcore/internal/store"
)

const (
	defaultLimit = 50
	maxHops      = 5
)

// Filter narrows ValidAt. Zero values mean no constraint.
type Filter struct {
	Project string       `json:"project,omitempty"`
	Kinds   []store.Kind `json:"kinds,omitempty"`
}

// Relation is a neighbor reached by RelatedAt.
type Relation struct {
	Record       store.Record `json:"record"`
	ParentID     string       `json:"parent_id"`
	RelationType string       `json:"relation_type"`
	Weight       float64      `json:"weight"`
	Hop          int          `json:"hop"`
}

// Index reads and closes validity intervals.
type Index struct {
	db     *store.DB
	graph  retrieval.GraphSearcher
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Index.
type Option func(*Index)

func WithLogger(l *zap.Logger) Option { return func(x *Index) { x.logger = l } }

func WithClock(now func() time.Time) Option { return func(x *Index) { x.now = now } }

// New creates an index. A nil graph walks the store's relations table.
func New(db *store.DB, graph retrieval.GraphSearcher, opts ...Option) *Index {
	if graph == nil {
		graph = &retrieval.StoreGraph{DB: db}
	}
	x := &Index{db: db, graph: graph, logger: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(x)
	}
	return x
}

// MarkObsolete closes a record's validity at end, or now when end is nil.
// A closed interval is never moved: repeat calls return the original end.
func (x *Index) MarkObsolete(ctx context.Context, id string, end *time.Time) (time.Time, error) {
	rec, err := x.db.GetRecord(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if rec.Validity.To != nil {
		return *rec.Validity.To, nil
	}
	at := x.now()
	if end != nil {
		at = *end
	}
	if at.Before(rec.Validity.From) {
		return time.Time{}, errs.Validation("mark_obsolete", "end %s precedes valid_from %s",
			at.Format(time.RFC3339), rec.Validity.From.Format(time.RFC3339))
	}
	validTo, closed, err := x.db.CloseValidity(ctx, id, at)
	if err != nil {
		return time.Time{}, err
	}
	if closed {
		x.logger.Info("record marked obsolete", zap.String("id", id), zap.Time("valid_to", validTo))
	}
	return validTo, nil
}

// ValidAt returns records whose interval contains t, newest first.
func (x *Index) ValidAt(ctx context.Context, t time.Time, f Filter, limit int) ([]store.Record, error) {
	if t.IsZero() {
		return nil, errs.Validation("valid_at", "target time is required")
	}
	for _, k := range f.Kinds {
		if !k.Valid() {
			return nil, errs.Validation("valid_at", "invalid kind %q", k)
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	recs, err := x.db.ListRecords(ctx, store.ListFilter{
		Kinds:   f.Kinds,
		Project: f.Project,
		ValidAt: t,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("valid at: %w", err)
	}
	return recs, nil
}

// RelatedAt walks relations breadth-first from id for up to hops hops.
// Only records valid at t are returned or traversed through.
func (x *Index) RelatedAt(ctx context.Context, id string, t time.Time, hops, limit int) ([]Relation, error) {
	if hops < 1 || hops > maxHops {
		return nil, errs.Validation("related_at", "max_hops must be between 1 and %d, got %d", maxHops, hops)
	}
	if t.IsZero() {
		return nil, errs.Validation("related_at", "target time is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if _, err := x.db.GetRecord(ctx, id); err != nil {
		return nil, err
	}

	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []Relation

	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		var found []retrieval.Neighbor
		for _, parent := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ns, err := x.graph.GraphNeighbors(ctx, parent, 1)
			if err != nil {
				return nil, fmt.Errorf("related at hop %d: %w", hop, err)
			}
			for _, n := range ns {
				if visited[n.ID] {
					continue
				}
				visited[n.ID] = true
				n.ParentID, n.Hop = parent, hop
				found = append(found, n)
			}
		}
		if len(found) == 0 {
			break
		}

		ids := make([]string, len(found))
		for i, n := range found {
			ids[i] = n.ID
		}
		recs, err := x.db.GetRecordsByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("related at hop %d: %w", hop, err)
		}

		var next []string
		for _, n := range found {
			rec, ok := recs[n.ID]
			if !ok || !rec.Validity.ValidAt(t) {
				continue
			}
			out = append(out, Relation{
				Record:       *rec,
				ParentID:     n.ParentID,
				RelationType: n.RelationType,
				Weight:       n.Weight,
				Hop:          hop,
			})
			if len(out) >= limit {
				return out, nil
			}
			next = append(next, n.ID)
		}
		frontier = next
	}
	return out, nil
}
