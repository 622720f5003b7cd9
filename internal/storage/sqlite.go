package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the name of the fabric store inside the storage path.
const DatabaseFile = "fabricgw.db"

// OpenSQLite opens (and creates if needed) the fabric store at path and
// ensures the schema exists.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// PRAGMAs apply per connection, so keep exactly one.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the node and settings tables if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
  node_id           INTEGER PRIMARY KEY,
  available         INTEGER NOT NULL DEFAULT 1,
  commissioned_at   TEXT NOT NULL,
  last_interview    TEXT,
  interview_version INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS node_attributes (
  node_id    INTEGER NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
  endpoint   INTEGER NOT NULL,
  attribute  TEXT NOT NULL,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL,
  PRIMARY KEY (node_id, endpoint, attribute)
);`,
		`CREATE TABLE IF NOT EXISTS fabric_settings (
  key        TEXT PRIMARY KEY,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS node_attributes_attribute_idx ON node_attributes(node_id, attribute, endpoint);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
