// Package store persists scheduled-task execution history in SQLite.
// The coordination store holds only the short bounded history; this is
// the durable record the operator surface queries.
package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/loomworks/loom/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS loom_executions (
	id            TEXT PRIMARY KEY,
	task_name     TEXT NOT NULL,
	instance_id   TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP,
	duration_ms   INTEGER,
	error_message TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_loom_executions_task
	ON loom_executions (task_name, started_at);
`

// Open opens (creating if needed) the SQLite database at path and
// applies the schema.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}
	return db, nil
}
