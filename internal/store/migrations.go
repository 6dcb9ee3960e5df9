package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "records: memory records with scores, lifecycle and validity",
		SQL: `
CREATE TABLE records (
    id                TEXT PRIMARY KEY,
    content           TEXT NOT NULL,
    kind              TEXT NOT NULL CHECK (kind IN ('error', 'decision', 'pattern', 'reference', 'insight', 'context')),
    tags              TEXT NOT NULL DEFAULT '[]',
    project           TEXT NOT NULL DEFAULT '',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    last_accessed_at  INTEGER,
    access_count      INTEGER NOT NULL DEFAULT 0 CHECK (access_count >= 0),

    -- Scores, always within [0,1]
    importance        REAL NOT NULL DEFAULT 0.5 CHECK (importance BETWEEN 0 AND 1),
    recency           REAL NOT NULL DEFAULT 1.0 CHECK (recency BETWEEN 0 AND 1),
    quality           REAL NOT NULL DEFAULT 0.5 CHECK (quality BETWEEN 0 AND 1),
    rating            REAL CHECK (rating IS NULL OR rating BETWEEN 0 AND 1),
    rating_count      INTEGER NOT NULL DEFAULT 0,
    scored_at         INTEGER NOT NULL DEFAULT 0,

    -- Lifecycle
    lifecycle_state   TEXT NOT NULL DEFAULT 'episodic' CHECK (lifecycle_state IN ('episodic', 'semantic', 'procedural', 'archived')),
    state_entered_at  INTEGER NOT NULL,
    state_access_base INTEGER NOT NULL DEFAULT 0,

    -- Validity interval
    valid_from        INTEGER NOT NULL,
    valid_to          INTEGER,

    pinned            INTEGER NOT NULL DEFAULT 0,
    resolved          INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 1,

    CHECK (valid_to IS NULL OR valid_to >= valid_from)
);

CREATE INDEX idx_records_kind      ON records(kind);
CREATE INDEX idx_records_project   ON records(project);
CREATE INDEX idx_records_state     ON records(lifecycle_state);
CREATE INDEX idx_records_created   ON records(created_at DESC);
CREATE INDEX idx_records_scored    ON records(scored_at);
CREATE INDEX idx_records_validity  ON records(valid_from, valid_to);
`,
	},
	{
		Version:     2,
		Description: "relations: directed typed edges between records",
		SQL: `
CREATE TABLE relations (
    source_id      TEXT NOT NULL,
    target_id      TEXT NOT NULL,
    relation_type  TEXT NOT NULL,
    weight         REAL NOT NULL DEFAULT 1.0,
    created_at     INTEGER NOT NULL,

    PRIMARY KEY (source_id, target_id, relation_type),
    CHECK (source_id != target_id),
    FOREIGN KEY (source_id) REFERENCES records(id),
    FOREIGN KEY (target_id) REFERENCES records(id)
);

CREATE INDEX idx_relations_target ON relations(target_id);
`,
	},
	{
		Version:     3,
		Description: "audit_events: append-only lifecycle transition log",
		SQL: `
CREATE TABLE audit_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    record_id   TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    actor       TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    undo_of     TEXT,
    created_at  INTEGER NOT NULL,

    UNIQUE (record_id, seq),
    FOREIGN KEY (record_id) REFERENCES records(id)
);

CREATE TRIGGER audit_events_no_update BEFORE UPDATE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit_events is append-only');
END;

CREATE TRIGGER audit_events_no_delete BEFORE DELETE ON audit_events
BEGIN
    SELECT RAISE(ABORT, 'audit_events is append-only');
END;
`,
	},
	{
		Version:     4,
		Description: "vectors: embedding storage for dense retrieval",
		SQL: `
CREATE TABLE vectors (
    record_id    TEXT PRIMARY KEY,
    embedding    BLOB NOT NULL,
    model        TEXT NOT NULL,
    dimensions   INTEGER NOT NULL,
    created_at   INTEGER NOT NULL,

    FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     5,
		Description: "records_fts: keyword index over record content and tags",
		SQL: `
CREATE VIRTUAL TABLE records_fts USING fts5(
    content,
    tags,
    content=records,
    content_rowid=rowid,
    tokenize='porter unicode61'
);

CREATE TRIGGER records_ai AFTER INSERT ON records BEGIN
    INSERT INTO records_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;

CREATE TRIGGER records_ad AFTER DELETE ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
END;

CREATE TRIGGER records_au AFTER UPDATE OF content, tags ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
    INSERT INTO records_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;
`,
	},
	{
		Version:     6,
		Description: "ratings: explicit user feedback",
		SQL: `
CREATE TABLE ratings (
    id          INTEGER PRIMARY KEY,
    record_id   TEXT NOT NULL,
    rating      REAL NOT NULL CHECK (rating BETWEEN 0 AND 1),
    feedback    TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,

    FOREIGN KEY (record_id) REFERENCES records(id)
);

CREATE INDEX idx_ratings_record ON ratings(record_id);
`,
	},
	{
		Version:     7,
		Description: "consolidation_runs: run log for committed consolidation passes",
		SQL: `
CREATE TABLE consolidation_runs (
    id            TEXT PRIMARY KEY,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL,
    window_days   INTEGER NOT NULL DEFAULT 0,
    clusters      INTEGER NOT NULL DEFAULT 0,
    consolidated  INTEGER NOT NULL DEFAULT 0,
    superseded    INTEGER NOT NULL DEFAULT 0,
    archived      INTEGER NOT NULL DEFAULT 0,
    complete      INTEGER NOT NULL DEFAULT 1,
    error         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_runs_started ON consolidation_runs(started_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
