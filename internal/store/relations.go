package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lazypower/memcore/internal/errs"
)

// Edge is a stored relation seen from outside either endpoint.
type Edge struct {
	SourceID string
	TargetID string
	Type     string
	Weight   float64
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertRelation adds a directed edge. Re-adding an existing (target, type)
// pair keeps the larger weight.
func (db *DB) UpsertRelation(ctx context.Context, sourceID string, rel Relation) error {
	return upsertRelation(ctx, db, sourceID, rel, time.Now().UTC())
}

func upsertRelation(ctx context.Context, ex execer, sourceID string, rel Relation, now time.Time) error {
	if rel.TargetID == "" || rel.Type == "" {
		return errs.Validation("upsert_relation", "relation needs a target and a type")
	}
	if rel.TargetID == sourceID {
		return errs.Validation("upsert_relation", "self-loop on %q", sourceID)
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO relations (source_id, target_id, relation_type, weight, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, relation_type) DO UPDATE SET weight = max(weight, excluded.weight)
	`, sourceID, rel.TargetID, rel.Type, rel.Weight, toMillis(now))
	if err != nil {
		return fmt.Errorf("upsert relation %s -> %s: %w", sourceID, rel.TargetID, err)
	}
	return nil
}

// dedupRelations collapses duplicate (target, type) pairs, keeping the max
// weight and first-seen order.
func dedupRelations(rels []Relation) []Relation {
	if len(rels) == 0 {
		return rels
	}
	type key struct{ target, typ string }
	idx := make(map[key]int, len(rels))
	out := make([]Relation, 0, len(rels))
	for _, r := range rels {
		k := key{r.TargetID, r.Type}
		if i, ok := idx[k]; ok {
			if r.Weight > out[i].Weight {
				out[i].Weight = r.Weight
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

// attachRelations loads outgoing relations for every record in place.
func (db *DB) attachRelations(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[string]int, len(records))
	ids := make([]string, 0, len(records))
	for i := range records {
		byID[records[i].ID] = i
		ids = append(ids, records[i].ID)
	}

	edges, err := db.edgesFrom(ctx, ids)
	if err != nil {
		return err
	}
	for _, e := range edges {
		i := byID[e.SourceID]
		records[i].Relations = append(records[i].Relations, Relation{TargetID: e.TargetID, Type: e.Type, Weight: e.Weight})
	}
	return nil
}

func (db *DB) edgesFrom(ctx context.Context, ids []string) ([]Edge, error) {
	return db.edgesWhere(ctx, "source_id", ids)
}

// Edges returns every relation incident to any of ids, in either direction.
func (db *DB) Edges(ctx context.Context, ids []string) ([]Edge, error) {
	out, err := db.edgesWhere(ctx, "source_id", ids)
	if err != nil {
		return nil, err
	}
	in, err := db.edgesWhere(ctx, "target_id", ids)
	if err != nil {
		return nil, err
	}

	// an edge between two requested ids shows up in both queries
	type key struct{ s, t, typ string }
	seen := make(map[key]bool, len(out))
	for _, e := range out {
		seen[key{e.SourceID, e.TargetID, e.Type}] = true
	}
	for _, e := range in {
		if !seen[key{e.SourceID, e.TargetID, e.Type}] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (db *DB) edgesWhere(ctx context.Context, column string, ids []string) ([]Edge, error) {
	var edges []Edge
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := start + chunk
		if end > len(ids) {
			end = len(ids)
		}
		part := ids[start:end]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := db.QueryContext(ctx, `
			SELECT source_id, target_id, relation_type, weight
			FROM relations WHERE `+column+` IN (`+placeholders(len(part))+`)
			ORDER BY source_id, created_at, target_id, relation_type
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("query relations: %w", err)
		}
		for rows.Next() {
			var e Edge
			if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Type, &e.Weight); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan relation: %w", err)
			}
			edges = append(edges, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return edges, nil
}

// RelationCounts returns inbound plus outbound relation counts per id.
func (db *DB) RelationCounts(ctx context.Context, ids []string) (map[string]int, error) {
	edges, err := db.Edges(ctx, ids)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	counts := make(map[string]int, len(ids))
	for _, e := range edges {
		if want[e.SourceID] {
			counts[e.SourceID]++
		}
		if want[e.TargetID] && e.SourceID != e.TargetID {
			counts[e.TargetID]++
		}
	}
	return counts, nil
}
