package db

import (
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever migrations below change.
const schemaVersion = 1

// migrations holds the ordered schema statements for the action store.
// Versions are applied exactly once and recorded in schema_migrations.
var migrations = []struct {
	version     int
	description string
	statements  []string
}{
	{
		version:     1,
		description: "create actions table",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS actions (
				id TEXT PRIMARY KEY,
				action_type TEXT NOT NULL,
				table_name TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				endpoint TEXT NOT NULL,
				method TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT 'medium',
				dependencies TEXT NOT NULL DEFAULT '[]',
				created_at INTEGER NOT NULL,
				synced INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				next_retry_at INTEGER NOT NULL DEFAULT 0,
				last_attempt INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE INDEX IF NOT EXISTS idx_actions_synced ON actions(synced);`,
			`CREATE INDEX IF NOT EXISTS idx_actions_priority_created ON actions(priority, created_at);`,
		},
	},
}

// Migrate applies any unapplied schema migrations.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, strftime('%s','now'), ?)",
			m.version, m.description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// CurrentVersion returns the applied schema version.
func CurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}
