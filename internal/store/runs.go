package store

import (
	"context"
	"fmt"
	"time"
)

// ConsolidationRun is one committed consolidation pass.
type ConsolidationRun struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	WindowDays   int       `json:"window_days"`
	Clusters     int       `json:"clusters"`
	Consolidated int       `json:"consolidated"`
	Superseded   int       `json:"superseded"`
	Archived     int       `json:"archived"`
	Complete     bool      `json:"complete"`
	Error        string    `json:"error,omitempty"`
}

// RecordRun appends a run to the log.
func (db *DB) RecordRun(ctx context.Context, run ConsolidationRun) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO consolidation_runs
			(id, started_at, finished_at, window_days, clusters, consolidated, superseded, archived, complete, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, toMillis(run.StartedAt), toMillis(run.FinishedAt), run.WindowDays, run.Clusters,
		run.Consolidated, run.Superseded, run.Archived, boolInt(run.Complete), run.Error)
	if err != nil {
		return fmt.Errorf("record consolidation run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]ConsolidationRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, window_days, clusters, consolidated, superseded, archived, complete, error
		FROM consolidation_runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var runs []ConsolidationRun
	for rows.Next() {
		var r ConsolidationRun
		var started, finished int64
		var complete int
		if err := rows.Scan(&r.ID, &started, &finished, &r.WindowDays, &r.Clusters,
			&r.Consolidated, &r.Superseded, &r.Archived, &complete, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		r.Complete = complete != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
