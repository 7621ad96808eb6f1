package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever schemaStatements changes shape in a way
// that isn't additive-and-backward-compatible.
const schemaVersion = 1

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS objects (
		object_id   TEXT PRIMARY KEY,
		format      TEXT NOT NULL CHECK (format IN ('SNAP', 'DIFF')),
		parent_id   TEXT,
		namespace   TEXT NOT NULL,
		size        INTEGER NOT NULL CHECK (size >= 0),
		index_json  TEXT NOT NULL DEFAULT '{}',
		schema_json TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		FOREIGN KEY (parent_id) REFERENCES objects(object_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_objects_parent ON objects(parent_id)`,
	`CREATE TABLE IF NOT EXISTS object_locations (
		object_id TEXT NOT NULL,
		url       TEXT NOT NULL,
		protocol  TEXT NOT NULL,
		PRIMARY KEY (object_id, url, protocol),
		FOREIGN KEY (object_id) REFERENCES objects(object_id)
	)`,
	`CREATE TABLE IF NOT EXISTS object_cache_status (
		object_id TEXT PRIMARY KEY,
		ready     INTEGER NOT NULL DEFAULT 0,
		refcount  INTEGER NOT NULL DEFAULT 0 CHECK (refcount >= 0),
		last_used TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_status_refcount ON object_cache_status(refcount)`,
	`CREATE TABLE IF NOT EXISTS snap_cache (
		snap_id TEXT PRIMARY KEY,
		diff_id TEXT NOT NULL UNIQUE,
		size    INTEGER NOT NULL CHECK (size >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS snap_cache_misses (
		diff_id   TEXT NOT NULL,
		used_time TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snap_cache_misses_diff ON snap_cache_misses(diff_id, used_time)`,
	`CREATE TABLE IF NOT EXISTS tables (
		namespace  TEXT NOT NULL,
		repository TEXT NOT NULL,
		image_hash TEXT NOT NULL,
		table_name TEXT NOT NULL,
		schema_json TEXT NOT NULL DEFAULT '[]',
		object_id  TEXT NOT NULL,
		PRIMARY KEY (namespace, repository, image_hash, table_name)
	)`,
	// cache_locks holds exactly one row; acquiring BEGIN IMMEDIATE before
	// touching it gives us a table-level exclusive lock for eviction,
	// since SQLite has no native LOCK TABLE.
	`CREATE TABLE IF NOT EXISTS cache_locks (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		held_at TEXT
	)`,
	`INSERT OR IGNORE INTO cache_locks (id, held_at) VALUES (1, NULL)`,
}

// ensureSchema creates the metadata-store tables if they don't already
// exist and records the schema version.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema statement %q: %w", truncate(stmt, 60), err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('version', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = squeeze(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func squeeze(s string) string {
	out := make([]byte, 0, len(s))
	prevSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\n' || c == '\t' {
			c = ' '
		}
		if c == ' ' {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		out = append(out, c)
	}
	return string(out)
}
