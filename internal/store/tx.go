package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/memcore/internal/errs"
)

// Tx groups writes that must land together. Reads see the transaction's
// own writes.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn in a transaction, committing when it returns nil and rolling
// back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Record reads one record without its relations.
func (t *Tx) Record(ctx context.Context, id string) (*Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("tx get record: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errs.NotFound("get_record", id)
	}
	return &recs[0], nil
}

// UpsertRelation adds or strengthens an edge.
func (t *Tx) UpsertRelation(ctx context.Context, sourceID string, rel Relation, at time.Time) error {
	return upsertRelation(ctx, t.tx, sourceID, rel, at)
}

// Archive appends an archived event for rec and applies it. rec must have
// been read in this transaction. Returns false when rec is already archived.
func (t *Tx) Archive(ctx context.Context, rec *Record, actor, reason string, at time.Time) (bool, error) {
	if rec.State == StateArchived {
		return false, nil
	}
	var seq int
	var lastTo sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT seq, to_state FROM audit_events WHERE record_id = ? ORDER BY seq DESC LIMIT 1
	`, rec.ID).Scan(&seq, &lastTo)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("tx last audit: %w", err)
	}
	if lastTo.Valid && State(lastTo.String) != rec.State {
		return false, errs.Conflict("archive", "record %s has an unapplied transition", rec.ID)
	}

	ev := &AuditEvent{RecordID: rec.ID, Seq: seq + 1, From: rec.State, To: StateArchived, Actor: actor, Reason: reason, CreatedAt: at}
	if err := appendAudit(ctx, t.tx, ev); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE records
		SET lifecycle_state = ?, state_entered_at = ?, state_access_base = access_count,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND lifecycle_state = ?
	`, string(StateArchived), toMillis(at), toMillis(at), rec.ID, string(rec.State))
	if err != nil {
		return false, fmt.Errorf("tx apply state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, errs.Conflict("archive", "record %q changed concurrently", rec.ID)
	}
	rec.State, rec.Version = StateArchived, rec.Version+1
	return true, nil
}

// CloseValidity sets valid_to when the interval is still open.
func (t *Tx) CloseValidity(ctx context.Context, id string, end time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE records SET valid_to = ?, version = version + 1
		WHERE id = ? AND valid_to IS NULL
	`, toMillis(end), id); err != nil {
		return fmt.Errorf("tx close validity: %w", err)
	}
	return nil
}

// AbsorbMerge sets the survivor's tags and adds absorbed access counts,
// guarded by version.
func (t *Tx) AbsorbMerge(ctx context.Context, id string, version int64, tags []string, addAccess int, at time.Time) error {
	encoded, err := encodeTags(tags)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE records
		SET tags = ?, access_count = access_count + ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, encoded, addAccess, toMillis(at), id, version)
	if err != nil {
		return fmt.Errorf("tx absorb merge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Conflict("absorb_merge", "record %q changed concurrently", id)
	}
	return nil
}
