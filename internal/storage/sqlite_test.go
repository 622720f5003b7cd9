package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", DatabaseFile)
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"nodes", "node_attributes", "fabric_settings"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Errorf("table %q missing: %v", table, err)
		}
	}

	// Bootstrapping twice is harmless.
	if err := BootstrapSQLite(context.Background(), db); err != nil {
		t.Fatalf("second BootstrapSQLite() failed: %v", err)
	}
}

func TestOpenSQLiteCascadesAttributes(t *testing.T) {
	t.Parallel()

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), DatabaseFile))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, stmt := range []string{
		`INSERT INTO nodes(node_id, commissioned_at) VALUES (1, '2026-01-01T00:00:00Z');`,
		`INSERT INTO node_attributes(node_id, endpoint, attribute, value, updated_at) VALUES (1, 1, 'onOff', 'true', 'now');`,
		`DELETE FROM nodes WHERE node_id = 1;`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) failed: %v", stmt, err)
		}
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM node_attributes;`).Scan(&n); err != nil {
		t.Fatalf("count attributes: %v", err)
	}
	if n != 0 {
		t.Errorf("node_attributes rows = %d, want 0", n)
	}
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), ""); err == nil {
		t.Fatal("OpenSQLite(\"\") should fail")
	}
}
