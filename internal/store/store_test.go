package store

import (
	"context"
	"os"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := openTestPath(t)

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := openTestPath(t)

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if _, err := s1.db.Exec(`INSERT INTO replicated_rows (table_name, id, data, version) VALUES ('entries', 'e1', '{}', 1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM replicated_rows").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := openTestPath(t)

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"replicated_rows", "sync_metadata", "pending_mutations"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s, err := Open(openTestPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestOpen_SchemaVersion(t *testing.T) {
	s, err := Open(openTestPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}

	check, err := s.QuickCheck(context.Background())
	if err != nil {
		t.Fatalf("QuickCheck() failed: %v", err)
	}
	if check != "ok" {
		t.Errorf("quick_check = %q, want ok", check)
	}
}

func TestOpen_UpgradeFromV1AddsIndexesAndKeepsRows(t *testing.T) {
	path := openTestPath(t)

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a database created before v2
	for _, field := range IndexedFields {
		if _, err := s1.db.Exec("DROP INDEX " + IndexName(field)); err != nil {
			t.Fatalf("drop index failed: %v", err)
		}
	}
	if _, err := s1.db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version failed: %v", err)
	}
	if _, err := s1.db.Exec(`INSERT INTO replicated_rows (table_name, id, data, version) VALUES ('entries', 'e1', '{"class_id":"c1"}', 3)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	for _, field := range IndexedFields {
		var name string
		err := s2.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", IndexName(field)).Scan(&name)
		if err != nil {
			t.Errorf("index %q missing after upgrade: %v", IndexName(field), err)
		}
	}

	var version int64
	if err := s2.db.QueryRow("SELECT version FROM replicated_rows WHERE table_name='entries' AND id='e1'").Scan(&version); err != nil {
		t.Fatalf("row lost during upgrade: %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestNormalizeKey(t *testing.T) {
	// "é" as e + combining acute accent vs precomposed
	decomposed := "entry-é"
	precomposed := "entry-é"
	if NormalizeKey(decomposed) != NormalizeKey(precomposed) {
		t.Errorf("NormalizeKey(%q) != NormalizeKey(%q)", decomposed, precomposed)
	}
	if got := NormalizeKey("  e1 "); got != "e1" {
		t.Errorf("NormalizeKey trims whitespace: got %q", got)
	}
}
