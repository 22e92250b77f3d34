package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is the persistence layer for job runs and user credentials.
type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	ticket_key TEXT NOT NULL,
	target_repository TEXT NOT NULL DEFAULT '',
	target_ref TEXT NOT NULL DEFAULT '',
	initiated_by TEXT NOT NULL DEFAULT '',
	assignee TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	agent_id TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	pr_status TEXT NOT NULL DEFAULT '',
	pr_merged_at TEXT NOT NULL DEFAULT '',
	pr_closed_at TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS job_runs_ticket_key_idx ON job_runs (ticket_key);
CREATE INDEX IF NOT EXISTS job_runs_ticket_repo_idx ON job_runs (ticket_key, target_repository);
CREATE INDEX IF NOT EXISTS job_runs_status_idx ON job_runs (status);
CREATE INDEX IF NOT EXISTS job_runs_agent_id_idx ON job_runs (agent_id);

CREATE TABLE IF NOT EXISTS user_credentials (
	user_id TEXT PRIMARY KEY,
	agent_api_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// DefaultPath returns the default database location (~/.dispatch/dispatch.db).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".dispatch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "dispatch.db"), nil
}

// Open opens (creating if necessary) the SQLite database at path and runs
// the schema migration.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}
