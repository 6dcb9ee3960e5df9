package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/oklog/ulid/v2"
)

// AuditEvent is one lifecycle transition. Events are never updated or
// deleted; the table rejects both.
type AuditEvent struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Seq       int       `json:"seq"`
	From      State     `json:"from_state"`
	To        State     `json:"to_state"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	UndoOf    string    `json:"undo_of,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

const auditColumns = `event_id, record_id, seq, from_state, to_state, actor, reason, undo_of, created_at`

// AppendAudit inserts ev. Seq must be the record's last seq + 1; if another
// writer already took that seq the insert fails with Conflict.
func (db *DB) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	return appendAudit(ctx, db, ev)
}

func appendAudit(ctx context.Context, ex execer, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = strings.ToLower(ulid.Make().String())
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var undoOf sql.NullString
	if ev.UndoOf != "" {
		undoOf = sql.NullString{String: ev.UndoOf, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.RecordID, ev.Seq, string(ev.From), string(ev.To), ev.Actor, ev.Reason, undoOf, toMillis(ev.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("append_audit", "audit seq %d for %q already taken", ev.Seq, ev.RecordID)
		}
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// LastAudit returns the newest event for a record, or nil if it has none.
func (db *DB) LastAudit(ctx context.Context, recordID string) (*AuditEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE record_id = ? ORDER BY seq DESC LIMIT 1
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("last audit: %w", err)
	}
	events, err := scanAudit(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// History returns every event for a record, oldest first.
func (db *DB) History(ctx context.Context, recordID string) ([]AuditEvent, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM records WHERE id = ?`, recordID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("history", recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("history existence check: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_events
		WHERE record_id = ? ORDER BY seq ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return scanAudit(rows)
}

// PendingAudit returns, for each record whose current state disagrees with
// its newest audit event, that newest event. These are transitions whose
// state write never landed.
func (db *DB) PendingAudit(ctx context.Context) ([]AuditEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.event_id, a.record_id, a.seq, a.from_state, a.to_state, a.actor, a.reason, a.undo_of, a.created_at
		FROM audit_events a
		JOIN (SELECT record_id, MAX(seq) AS seq FROM audit_events GROUP BY record_id) last
		  ON a.record_id = last.record_id AND a.seq = last.seq
		JOIN records r ON r.id = a.record_id
		WHERE r.lifecycle_state != a.to_state
		ORDER BY a.record_id
	`)
	if err != nil {
		return nil, fmt.Errorf("pending audit: %w", err)
	}
	return scanAudit(rows)
}

// TransitionFlow counts events per "from->to" pair.
func (db *DB) TransitionFlow(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT from_state, to_state, COUNT(*) FROM audit_events GROUP BY from_state, to_state
	`)
	if err != nil {
		return nil, fmt.Errorf("transition flow: %w", err)
	}
	defer rows.Close()

	flow := make(map[string]int)
	for rows.Next() {
		var from, to string
		var n int
		if err := rows.Scan(&from, &to, &n); err != nil {
			return nil, fmt.Errorf("scan transition flow: %w", err)
		}
		flow[from+"->"+to] = n
	}
	return flow, rows.Err()
}

func scanAudit(rows *sql.Rows) ([]AuditEvent, error) {
	defer rows.Close()
	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var from, to string
		var undoOf sql.NullString
		var created int64
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Seq, &from, &to, &ev.Actor, &ev.Reason, &undoOf, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.From = State(from)
		ev.To = State(to)
		ev.UndoOf = undoOf.String
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}
