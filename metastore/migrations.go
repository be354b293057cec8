package metastore

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema step. Migrations apply in order inside a single
// transaction per step and are tracked in schema_migrations.
type Migration struct {
	Version int
	Up      string
}

var migrations = []Migration{
	{
		Version: 1,
		Up: `
CREATE TABLE IF NOT EXISTS images (
	id            TEXT PRIMARY KEY,
	fingerprint   TEXT NOT NULL,
	status        TEXT NOT NULL,
	owner         TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	locator       TEXT NOT NULL DEFAULT '',
	caption       TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '[]',
	width         INTEGER NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT 0,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	model_name    TEXT NOT NULL DEFAULT '',
	model_dim     INTEGER NOT NULL DEFAULT 0,
	fail_reason   TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

-- Fingerprints are unique among non-failed records only: a failed record
-- keeps its row so a retry can reset it, and the reset reuses the row.
CREATE UNIQUE INDEX IF NOT EXISTS idx_images_fingerprint_live
	ON images(fingerprint) WHERE status != 'FAILED';

CREATE INDEX IF NOT EXISTS idx_images_status ON images(status);
CREATE INDEX IF NOT EXISTS idx_images_owner ON images(owner);
CREATE INDEX IF NOT EXISTS idx_images_created_at ON images(created_at);

CREATE TABLE IF NOT EXISTS spans (
	image_id    TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	text        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	x0          INTEGER,
	y0          INTEGER,
	x1          INTEGER,
	y1          INTEGER,
	PRIMARY KEY (image_id, seq)
);
`,
	},
}

// applyMigrations brings the schema up to the latest version.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("metastore: create migrations table: %w", err)
	}

	var current int
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("metastore: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("metastore: migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`,
			m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("metastore: record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
