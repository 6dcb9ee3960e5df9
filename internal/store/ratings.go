package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/memcore/internal/errs"
)

// AddRating stores one normalized rating and refreshes the record's mean
// rating. Returns the new mean.
func (db *DB) AddRating(ctx context.Context, recordID string, rating float64, feedback string) (float64, error) {
	rating = Clamp01(rating)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add rating: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, recordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.NotFound("add_rating", recordID)
	}
	if err != nil {
		return 0, fmt.Errorf("rating existence check: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ratings (record_id, rating, feedback, created_at) VALUES (?, ?, ?, ?)
	`, recordID, rating, feedback, time.Now().UnixMilli()); err != nil {
		return 0, fmt.Errorf("insert rating: %w", err)
	}

	var mean float64
	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT AVG(rating), COUNT(*) FROM ratings WHERE record_id = ?
	`, recordID).Scan(&mean, &count); err != nil {
		return 0, fmt.Errorf("average rating: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE records SET rating = ?, rating_count = ?, version = version + 1 WHERE id = ?
	`, Clamp01(mean), count, recordID); err != nil {
		return 0, fmt.Errorf("update record rating: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add rating: %w", err)
	}
	return mean, nil
}
