package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

// discardLogger suppresses logs in tests.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestManager creates a manager over a fresh database in a temp dir.
func createTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	m := NewManager(path, append([]ManagerOption{WithLogger(discardLogger())}, opts...)...)
	t.Cleanup(func() { m.Close() })
	return m
}

// createTestRow creates a clean row with minimal required fields.
func createTestRow(table, id, data string, version int64) Row {
	return Row{
		TableName:      table,
		ID:             id,
		Data:           []byte(data),
		Version:        version,
		LastSyncedAt:   1000,
		LastModifiedAt: 1000,
		LastAccessedAt: 1000,
		SyncStatus:     RowSynced,
	}
}

// putRows writes rows in one transaction, failing the test on error.
func putRows(t *testing.T, m *Manager, rows ...Row) {
	t.Helper()
	err := m.WithTx(context.Background(), "test", func(tx *Tx) error {
		for _, r := range rows {
			if err := tx.PutRow(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("putRows failed: %v", err)
	}
}

func openTestPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}
