package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all tables. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS samples (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sha256    TEXT NOT NULL UNIQUE,
		md5       TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		category     TEXT NOT NULL,
		target       TEXT NOT NULL,
		machine      TEXT NOT NULL DEFAULT '',
		platform     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'pending',
		priority     INTEGER NOT NULL DEFAULT 1,
		timeout      INTEGER NOT NULL DEFAULT 0,
		options      TEXT NOT NULL DEFAULT '{}',
		route        TEXT NOT NULL DEFAULT '',
		sample_id    INTEGER REFERENCES samples(id),
		added_on     TEXT NOT NULL,
		start_on     TEXT NOT NULL,
		started_on   TEXT,
		completed_on TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS tags (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS tasks_tags (
		task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		tag_id  INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY (task_id, tag_id)
	)`,

	`CREATE TABLE IF NOT EXISTS machines (
		name              TEXT PRIMARY KEY,
		label             TEXT NOT NULL UNIQUE,
		ip                TEXT NOT NULL DEFAULT '',
		platform          TEXT NOT NULL DEFAULT '',
		arch              TEXT NOT NULL DEFAULT '',
		interface         TEXT NOT NULL DEFAULT '',
		snapshot          TEXT NOT NULL DEFAULT '',
		options           TEXT NOT NULL DEFAULT '[]',
		locked            INTEGER NOT NULL DEFAULT 0,
		locked_changed_on TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT '',
		status_changed_on TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS machines_tags (
		machine_name TEXT NOT NULL REFERENCES machines(name) ON DELETE CASCADE,
		tag_id       INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY (machine_name, tag_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	// Ordering used by Fetch.
	`CREATE INDEX IF NOT EXISTS idx_tasks_pending_order ON tasks(status, priority DESC, added_on)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_locked ON machines(locked)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
