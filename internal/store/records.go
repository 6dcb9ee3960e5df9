package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazypower/memcore/internal/errs"
	"github.com/oklog/ulid/v2"
)

// Kind is a record category.
type Kind string

const (
	KindError     Kind = "error"
	KindDecision  Kind = "decision"
	KindPattern   Kind = "pattern"
	KindReference Kind = "reference"
	KindInsight   Kind = "insight"
	KindContext   Kind = "context"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{KindError, KindDecision, KindPattern, KindReference, KindInsight, KindContext}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// State is a lifecycle state.
type State string

const (
	StateEpisodic   State = "episodic"
	StateSemantic   State = "semantic"
	StateProcedural State = "procedural"
	StateArchived   State = "archived"
)

// States lists every valid State in lifecycle order.
var States = []State{StateEpisodic, StateSemantic, StateProcedural, StateArchived}

func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// Relation types written by this package's callers.
const (
	RelRelated    = "related"
	RelMergedFrom = "merged_from"
	RelSupersedes = "supersedes"
)

// Relation is a directed, typed, weighted edge from the owning record.
type Relation struct {
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// Validity is the interval during which a record states a true fact.
// A nil To means currently valid.
type Validity struct {
	From time.Time  `json:"valid_from"`
	To   *time.Time `json:"valid_to,omitempty"`
}

// ValidAt reports whether t falls within [From, To).
func (v Validity) ValidAt(t time.Time) bool {
	if t.Before(v.From) {
		return false
	}
	return v.To == nil || v.To.After(t)
}

// Record is a memory record.
type Record struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Kind           Kind       `json:"kind"`
	Tags           []string   `json:"tags"`
	Project        string     `json:"project,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	AccessCount    int        `json:"access_count"`

	Importance  float64   `json:"importance_score"`
	Recency     float64   `json:"recency_score"`
	Quality     float64   `json:"quality_score"`
	Rating      *float64  `json:"rating,omitempty"`
	RatingCount int       `json:"rating_count"`
	ScoredAt    time.Time `json:"scored_at"`

	State           State     `json:"lifecycle_state"`
	StateEnteredAt  time.Time `json:"state_entered_at"`
	StateAccessBase int       `json:"-"`

	Validity Validity `json:"validity"`
	Pinned   bool     `json:"pinned"`
	Resolved bool     `json:"resolved"`
	Version  int64    `json:"version"`

	Relations []Relation `json:"relations,omitempty"`
}

// IsProtected reports whether the record is exempt from automatic archival
// and may never be absorbed by a merge.
func (r *Record) IsProtected() bool {
	switch r.Kind {
	case KindDecision, KindPattern:
		return true
	case KindError:
		return r.Resolved
	}
	return false
}

// AccessesSinceStateEntry counts accesses recorded after the current
// lifecycle state was entered.
func (r *Record) AccessesSinceStateEntry() int {
	n := r.AccessCount - r.StateAccessBase
	if n < 0 {
		return 0
	}
	return n
}

// Obsolete reports whether the validity interval is closed at or before t.
func (r *Record) Obsolete(t time.Time) bool {
	return r.Validity.To != nil && !r.Validity.To.After(t)
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NewID returns a fresh time-ordered record identifier.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

const recordColumns = `id, content, kind, tags, project, created_at, updated_at, last_accessed_at, access_count,
	importance, recency, quality, rating, rating_count, scored_at,
	lifecycle_state, state_entered_at, state_access_base,
	valid_from, valid_to, pinned, resolved, version`

// CreateRecord inserts a new record together with its relations. Missing
// fields are defaulted: id, timestamps, state (episodic) and validity start.
func (db *DB) CreateRecord(ctx context.Context, r *Record) error {
	if !r.Kind.Valid() {
		return errs.Validation("create_record", "invalid kind %q", r.Kind)
	}
	if strings.TrimSpace(r.Content) == "" {
		return errs.Validation("create_record", "content is required")
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.State == "" {
		r.State = StateEpisodic
	}
	if !r.State.Valid() {
		return errs.Validation("create_record", "invalid state %q", r.State)
	}
	if r.StateEnteredAt.IsZero() {
		r.StateEnteredAt = r.CreatedAt
	}
	if r.Validity.From.IsZero() {
		r.Validity.From = r.CreatedAt
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	r.Importance = Clamp01(r.Importance)
	r.Recency = Clamp01(r.Recency)
	r.Quality = Clamp01(r.Quality)
	r.Version = 1

	tags, err := encodeTags(r.Tags)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create record: %w", err)
	}
	defer tx.Rollback()

	var rating sql.NullFloat64
	if r.Rating != nil {
		rating = sql.NullFloat64{Float64: Clamp01(*r.Rating), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Content, string(r.Kind), tags, r.Project,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt), nullMillis(r.LastAccessedAt), r.AccessCount,
		r.Importance, r.Recency, r.Quality, rating, r.RatingCount, toMillisOrZero(r.ScoredAt),
		string(r.State), toMillis(r.StateEnteredAt), r.StateAccessBase,
		toMillis(r.Validity.From), nullMillis(r.Validity.To), boolInt(r.Pinned), boolInt(r.Resolved), r.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.Conflict("create_record", "record %q already exists", r.ID)
		}
		return fmt.Errorf("insert record: %w", err)
	}

	for _, rel := range r.Relations {
		if err := upsertRelation(ctx, tx, r.ID, rel, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create record: %w", err)
	}
	r.Relations = dedupRelations(r.Relations)
	return nil
}

// GetRecord returns a record with its relations, or a NotFound error.
func (db *DB) GetRecord(ctx context.Context, id string) (*Record, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errs.NotFound("get_record", id)
	}
	if err := db.attachRelations(ctx, records); err != nil {
		return nil, err
	}
	return &records[0], nil
}

// GetRecordsByIDs returns the records that exist among ids, keyed by id.
func (db *DB) GetRecordsByIDs(ctx context.Context, ids []string) (map[string]*Record, error) {
	out := make(map[string]*Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	// SQLite caps bound parameters; chunk large lookups.
	const chunk = 500
	var all []Record
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
		rows, err := db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(part))+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("get records by ids: %w", err)
		}
		records, err := scanRecords(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}

	if err := db.attachRelations(ctx, all); err != nil {
		return nil, err
	}
	for i := range all {
		out[all[i].ID] = &all[i]
	}
	return out, nil
}

// Order selects the sort order of ListRecords.
type Order int

const (
	OrderCreatedDesc Order = iota
	OrderCreatedAsc
	OrderScoredAsc
	OrderIDAsc
)

// ListFilter narrows ListRecords. Zero values mean "no constraint".
type ListFilter struct {
	Kinds           []Kind
	States          []State
	Project         string
	Tags            []string
	CreatedAfter    time.Time
	CreatedBefore   time.Time
	ValidAt         time.Time
	ExcludeArchived bool
	Order           Order
	Limit           int
}

// ListRecords returns records matching f, relations attached.
func (db *DB) ListRecords(ctx context.Context, f ListFilter) ([]Record, error) {
	var where []string
	var args []any

	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if len(f.States) > 0 {
		where = append(where, "lifecycle_state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.ExcludeArchived {
		where = append(where, "lifecycle_state != 'archived'")
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	for _, tag := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(records.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if !f.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, toMillis(f.CreatedBefore))
	}
	if !f.ValidAt.IsZero() {
		ms := toMillis(f.ValidAt)
		where = append(where, "valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)")
		args = append(args, ms, ms)
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	switch f.Order {
	case OrderCreatedAsc:
		query += " ORDER BY created_at ASC, id ASC"
	case OrderScoredAsc:
		query += " ORDER BY scored_at ASC, id ASC"
	case OrderIDAsc:
		query += " ORDER BY id ASC"
	default:
		query += " ORDER BY created_at DESC, id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if err := db.attachRelations(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Scores is the set of derived scores written by the quality scorer.
type Scores struct {
	Importance float64
	Recency    float64
	Quality    float64
}

// UpdateScores writes scores if the record is still at version. A stale
// version yields a Conflict error; the caller re-reads and retries.
func (db *DB) UpdateScores(ctx context.Context, id string, version int64, s Scores, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE records
		SET importance = ?, recency = ?, quality = ?, scored_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, Clamp01(s.Importance), Clamp01(s.Recency), Clamp01(s.Quality), toMillis(at), id, version)
	if err != nil {
		return 0, fmt.Errorf("update scores: %w", err)
	}
	if err := db.casResult(ctx, res, "update_scores", id); err != nil {
		return 0, err
	}
	return version + 1, nil
}

// TouchRecord records one access and returns the refreshed record.
func (db *DB) TouchRecord(ctx context.Context, id string, at time.Time) (*Record, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE records
		SET access_count = access_count + 1, last_accessed_at = ?, version = version + 1
		WHERE id = ?
	`, toMillis(at), id)
	if err != nil {
		return nil, fmt.Errorf("touch record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errs.NotFound("touch_record", id)
	}
	return db.GetRecord(ctx, id)
}

// ApplyState moves a record from one lifecycle state to another. The update
// only lands if the record is still in from; otherwise Conflict.
func (db *DB) ApplyState(ctx context.Context, id string, from, to State, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE records
		SET lifecycle_state = ?, state_entered_at = ?, state_access_base = access_count,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND lifecycle_state = ?
	`, string(to), toMillis(at), toMillis(at), id, string(from))
	if err != nil {
		return fmt.Errorf("apply state: %w", err)
	}
	return db.casResult(ctx, res, "apply_state", id)
}

// CloseValidity sets valid_to on an open interval. If the interval is
// already closed it is left untouched and the existing end is returned with
// closed=false.
func (db *DB) CloseValidity(ctx context.Context, id string, end time.Time) (validTo time.Time, closed bool, err error) {
	res, err := db.ExecContext(ctx, `
		UPDATE records
		SET valid_to = ?, version = version + 1
		WHERE id = ? AND valid_to IS NULL
	`, toMillis(end), id)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("close validity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return fromMillis(toMillis(end)), true, nil
	}

	var existing sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT valid_to FROM records WHERE id = ?`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, errs.NotFound("close_validity", id)
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read validity: %w", err)
	}
	return fromMillis(existing.Int64), false, nil
}

// CountRecords returns the number of records, optionally excluding archived ones.
func (db *DB) CountRecords(ctx context.Context, excludeArchived bool) (int, error) {
	query := "SELECT COUNT(*) FROM records"
	if excludeArchived {
		query += " WHERE lifecycle_state != 'archived'"
	}
	var n int
	if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// StateCounts returns the number of records per lifecycle state.
func (db *DB) StateCounts(ctx context.Context) (map[State]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT lifecycle_state, COUNT(*) FROM records GROUP BY lifecycle_state`)
	if err != nil {
		return nil, fmt.Errorf("state counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[State(s)] = n
	}
	return counts, rows.Err()
}

// casResult turns a zero-row conditional update into NotFound or Conflict.
func (db *DB) casResult(ctx context.Context, res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s existence check: %w", op, err)
	}
	if exists == 0 {
		return errs.NotFound(op, id)
	}
	return errs.Conflict(op, "record %q changed concurrently", id)
}

// scanRecords reads and closes rows.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var records []Record
	for rows.Next() {
		var r Record
		var kind, state, tags string
		var createdAt, updatedAt, scoredAt, enteredAt, validFrom int64
		var lastAccess, validTo sql.NullInt64
		var rating sql.NullFloat64
		var pinned, resolved int
		if err := rows.Scan(&r.ID, &r.Content, &kind, &tags, &r.Project, &createdAt, &updatedAt, &lastAccess, &r.AccessCount,
			&r.Importance, &r.Recency, &r.Quality, &rating, &r.RatingCount, &scoredAt,
			&state, &enteredAt, &r.StateAccessBase,
			&validFrom, &validTo, &pinned, &resolved, &r.Version); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = Kind(kind)
		r.State = State(state)
		r.Tags = decodeTags(tags)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		r.LastAccessedAt = timePtr(lastAccess)
		if scoredAt > 0 {
			r.ScoredAt = fromMillis(scoredAt)
		}
		if rating.Valid {
			v := rating.Float64
			r.Rating = &v
		}
		r.StateEnteredAt = fromMillis(enteredAt)
		r.Validity = Validity{From: fromMillis(validFrom), To: timePtr(validTo)}
		r.Pinned = pinned != 0
		r.Resolved = resolved != 0
		records = append(records, r)
	}
	return records, rows.Err()
}

func encodeTags(tags []string) (string, error) {
	seen := make(map[string]bool, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		clean = append(clean, t)
	}
	sort.Strings(clean)
	b, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func decodeTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return toMillis(t)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
