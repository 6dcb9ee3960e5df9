package store

import (
	"context"
	"fmt"
	"strings"
)

// KeywordHit is one keyword match with a higher-is-better score.
type KeywordHit struct {
	RecordID string
	Score    float64
}

// KeywordSearch runs an FTS5 match over content and tags. Terms are quoted
// and OR-joined so punctuation in code tokens cannot break the MATCH syntax.
// Score is the negated bm25 rank, so larger means more relevant.
func (db *DB) KeywordSearch(ctx context.Context, terms []string, limit int) ([]KeywordHit, error) {
	match := ftsQuery(terms)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.id, -bm25(records_fts) AS score
		FROM records_fts
		JOIN records r ON r.rowid = records_fts.rowid
		WHERE records_fts MATCH ?
		ORDER BY score DESC, r.id ASC
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.RecordID, &h.Score); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func ftsQuery(terms []string) string {
	var parts []string
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		parts = append(parts, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(parts, " OR ")
}
