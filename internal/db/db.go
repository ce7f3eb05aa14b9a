// Package db provides database connection management for the offgrid engine.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with offgrid-specific configuration.
type DB struct {
	*sql.DB

	// Path is the absolute path of the database file.
	Path string
}

// Open opens the SQLite action database. The database is opened with:
// - WAL mode for concurrent reads alongside the single writer
// - foreign key constraints enabled
// - a single write connection (SQLite does not support multiple writers)
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "offgrid.db")

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{DB: db, Path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// SizeBytes returns the current on-disk size of the database as reported by
// SQLite's page accounting.
func (db *DB) SizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count;").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size;").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}
