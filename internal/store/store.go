package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (rows, metadata, pending mutations)
// 1 - Added tenant and dirty-row indexes on replicated_rows
// 2 - Added json_extract expression indexes for IndexedFields
const currentSchemaVersion = 2

// IndexedFields are the foreign-key-like payload fields that get a secondary
// expression index. Queries on other fields always scan.
var IndexedFields = []string{"class_id", "trial_id", "show_id", "entry_id"}

// Store is the physical SQLite database behind every replicated table.
// Uses WAL mode with a single open connection; all writers share it.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - writes that bypass Manager transactions are not
// tracked by the admission queue.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion returns the applied PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// QuickCheck runs PRAGMA quick_check and returns the first reported line.
// A healthy database reports "ok".
func (s *Store) QuickCheck(ctx context.Context) (string, error) {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return "", fmt.Errorf("quick check: %w", err)
	}
	return result, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// Migrations only add indexes; existing rows are never rewritten.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the tenant and dirty-row lookup indexes.
func migrateToV1(db *sql.DB) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_rows_tenant ON replicated_rows(table_name, tenant_key)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_dirty ON replicated_rows(table_name, is_dirty)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds one expression index per indexed payload field.
// Databases created before v2 keep their rows; queries scan until the
// index exists.
func migrateToV2(db *sql.DB) error {
	for _, field := range IndexedFields {
		if _, err := db.Exec(indexDDL(field)); err != nil {
			return fmt.Errorf("migrate to v2: %s: %w", field, err)
		}
	}
	return nil
}

// IndexName returns the secondary index name for a payload field.
func IndexName(field string) string {
	return "idx_rows_" + field
}

func indexDDL(field string) string {
	return fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON replicated_rows(table_name, %s)`,
		IndexName(field), fieldExpr(field),
	)
}

// fieldExpr must match the query text exactly for SQLite to use the index.
func fieldExpr(field string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// IsIndexedField reports whether field has a declared expression index.
func IsIndexedField(field string) bool {
	for _, f := range IndexedFields {
		if f == field {
			return true
		}
	}
	return false
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
