package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/roach88/ringside/internal/store"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// DBPath returns a database path inside a per-test temp dir.
func DBPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ringside.db")
}

// NewManager creates a store manager over a fresh database, closed when
// the test ends.
func NewManager(t testing.TB, opts ...store.ManagerOption) *store.Manager {
	t.Helper()
	m := store.NewManager(DBPath(t), append([]store.ManagerOption{store.WithLogger(DiscardLogger())}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m
}
