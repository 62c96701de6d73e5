package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding runs, webhook deliveries, and
// the pipeline event log. It is the source of truth for run state; the
// coordination layer only serializes access to it.
type Store struct {
	conn *sql.DB
	path string
}

// DefaultPath returns ~/.fixfactory/factory.db, creating the directory
// if needed.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".fixfactory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "factory.db"), nil
}

// Open opens or creates the database at the given path and applies the
// schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    run_key             TEXT NOT NULL UNIQUE,
    event_id            TEXT NOT NULL UNIQUE,
    repo                TEXT NOT NULL,
    branch              TEXT NOT NULL,
    commit_sha          TEXT NOT NULL,
    error_message       TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'pending',
    attempt_count       INTEGER NOT NULL DEFAULT 0,
    blocked_reason      TEXT NOT NULL DEFAULT '',
    plan_json           TEXT,
    plan_decision_json  TEXT,
    patch_diff          TEXT,
    patch_decision_json TEXT,
    validation_json     TEXT,
    pr_json             TEXT,
    last_pr_url         TEXT NOT NULL DEFAULT '',
    last_pr_created_at  TEXT,
    last_attempt_at     TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id TEXT PRIMARY KEY,
    event_id    TEXT NOT NULL,
    repo        TEXT NOT NULL,
    received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_events (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_key   TEXT NOT NULL,
    event     TEXT NOT NULL,
    stage     TEXT NOT NULL DEFAULT '',
    attempt   INTEGER NOT NULL DEFAULT 0,
    detail    TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_run ON pipeline_events(run_key, id);
`

// migrate applies the schema. Statements are idempotent.
func (s *Store) migrate() error {
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Reset drops all tables and reapplies the schema.
func (s *Store) Reset() error {
	for _, table := range []string{"runs", "webhook_deliveries", "pipeline_events"} {
		if _, err := s.conn.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return s.migrate()
}
