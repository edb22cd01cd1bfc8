package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// schemaStatements are executed in order to create the database schema.
// All use IF NOT EXISTS for idempotent re-application.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS evaluations (
		id                  INTEGER PRIMARY KEY AUTOINCREMENT,
		path                TEXT    NOT NULL,
		content_hash        TEXT    NOT NULL DEFAULT '',
		level               TEXT    NOT NULL,
		reason              TEXT    NOT NULL DEFAULT '',
		recommendation      TEXT    NOT NULL DEFAULT '',
		source              TEXT    NOT NULL DEFAULT '',
		hash_matched        INTEGER NOT NULL DEFAULT 0,
		signature_verified  INTEGER NOT NULL DEFAULT 0,
		provenance_verified INTEGER NOT NULL DEFAULT 0,
		degraded            INTEGER NOT NULL DEFAULT 0,
		evaluated_at        TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_evaluations_path ON evaluations(path, evaluated_at)`,

	`CREATE TABLE IF NOT EXISTS decisions (
		id                    TEXT PRIMARY KEY,
		tool                  TEXT    NOT NULL DEFAULT '',
		command               TEXT    NOT NULL DEFAULT '[]',
		allowed               INTEGER NOT NULL DEFAULT 0,
		requires_confirmation INTEGER NOT NULL DEFAULT 0,
		confirmed             INTEGER NOT NULL DEFAULT 0,
		confirm_error         TEXT    NOT NULL DEFAULT '',
		violations            TEXT    NOT NULL DEFAULT '[]',
		trust_level           TEXT    NOT NULL DEFAULT '',
		content_hash          TEXT    NOT NULL DEFAULT '',
		decided_at            TEXT    NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_decisions_tool ON decisions(tool, decided_at)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id TEXT    NOT NULL REFERENCES decisions(id),
		command     TEXT    NOT NULL DEFAULT '[]',
		exit_code   INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		timed_out   INTEGER NOT NULL DEFAULT 0,
		truncated   INTEGER NOT NULL DEFAULT 0,
		error       TEXT    NOT NULL DEFAULT '',
		created_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_executions_decision ON executions(decision_id)`,
}

// migrate creates or updates the database schema to the latest version.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ledger: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("ledger: read schema version: %w", err)
	}

	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w\nstatement: %s", err, stmt)
		}
	}

	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("ledger: record schema version: %w", err)
	}

	return nil
}
