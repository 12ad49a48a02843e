package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RowSyncStatus is the per-row sync state.
type RowSyncStatus string

const (
	RowPending RowSyncStatus = "pending"
	RowSynced  RowSyncStatus = "synced"
)

// RowOverheadBytes is added to the payload size of every row when
// estimating storage use. It approximates the key, metadata columns and
// index entries.
const RowOverheadBytes = 128

// Row is the persisted envelope around one logical entity.
// Timestamps are unix milliseconds.
type Row struct {
	TableName      string
	ID             string
	Data           []byte
	Version        int64
	LastSyncedAt   int64
	LastModifiedAt int64
	LastAccessedAt int64
	AccessCount    int64
	IsDirty        bool
	SyncStatus     RowSyncStatus
	TenantKey      string
}

// SizeBytes estimates the stored size of the row.
func (r Row) SizeBytes() int64 {
	return int64(len(r.Data)) + RowOverheadBytes
}

// RowMeta is a row without its payload, used by eviction scans.
type RowMeta struct {
	ID             string
	SizeBytes      int64
	LastModifiedAt int64
	LastAccessedAt int64
	AccessCount    int64
	IsDirty        bool
}

const rowColumns = `table_name, id, data, version, last_synced_at, last_modified_at,
	last_accessed_at, access_count, is_dirty, sync_status, tenant_key`

// GetRow returns the row for (table, id). found is false if absent.
func (t *Tx) GetRow(ctx context.Context, table, id string) (row Row, found bool, err error) {
	r := t.tx.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM replicated_rows
		WHERE table_name = ? AND id = ?
	`, table, id)
	row, err = scanRow(r)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("get row: %w", err)
	}
	return row, true, nil
}

// PutRow inserts or fully replaces a row.
func (t *Tx) PutRow(ctx context.Context, row Row) error {
	if row.SyncStatus == "" {
		row.SyncStatus = RowSynced
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO replicated_rows (`+rowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			data             = excluded.data,
			version          = excluded.version,
			last_synced_at   = excluded.last_synced_at,
			last_modified_at = excluded.last_modified_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count     = excluded.access_count,
			is_dirty         = excluded.is_dirty,
			sync_status      = excluded.sync_status,
			tenant_key       = excluded.tenant_key
	`,
		row.TableName,
		row.ID,
		string(row.Data),
		row.Version,
		row.LastSyncedAt,
		row.LastModifiedAt,
		row.LastAccessedAt,
		row.AccessCount,
		boolToInt(row.IsDirty),
		string(row.SyncStatus),
		row.TenantKey,
	)
	if err != nil {
		return fmt.Errorf("put row: %w", err)
	}
	return nil
}

// TouchRow records a read: bumps access_count and last_accessed_at.
func (t *Tx) TouchRow(ctx context.Context, table, id string, nowMs int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE replicated_rows
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE table_name = ? AND id = ?
	`, nowMs, table, id)
	if err != nil {
		return fmt.Errorf("touch row: %w", err)
	}
	return nil
}

// DeleteRow removes one row. Returns whether a row was removed.
func (t *Tx) DeleteRow(ctx context.Context, table, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM replicated_rows WHERE table_name = ? AND id = ?
	`, table, id)
	if err != nil {
		return false, fmt.Errorf("delete row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete row: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteRows removes the given ids and returns how many existed.
func (t *Tx) DeleteRows(ctx context.Context, table string, ids []string) (int, error) {
	total := 0
	for _, id := range ids {
		removed, err := t.DeleteRow(ctx, table, id)
		if err != nil {
			return total, err
		}
		if removed {
			total++
		}
	}
	return total, nil
}

// ClearTable removes every row of a logical table.
func (t *Tx) ClearTable(ctx context.Context, table string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM replicated_rows WHERE table_name = ?`, table)
	if err != nil {
		return 0, fmt.Errorf("clear table: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear table: rows affected: %w", err)
	}
	return int(n), nil
}

// ListRows returns every row of a table, optionally restricted to a
// tenant. Ordered by id for deterministic results.
func (t *Tx) ListRows(ctx context.Context, table, tenant string) ([]Row, error) {
	query := `SELECT ` + rowColumns + ` FROM replicated_rows WHERE table_name = ?`
	args := []any{table}
	if tenant != "" {
		query += ` AND tenant_key = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY id COLLATE BINARY ASC`
	return t.queryRows(ctx, "list rows", query, args...)
}

// QueryIndexed returns rows whose payload field equals value, using the
// field's expression index. Callers should check HasIndex first.
func (t *Tx) QueryIndexed(ctx context.Context, table, field, value string) ([]Row, error) {
	if !IsIndexedField(field) {
		return nil, fmt.Errorf("query indexed: field %q has no index", field)
	}
	query := `SELECT ` + rowColumns + ` FROM replicated_rows
		WHERE table_name = ? AND ` + fieldExpr(field) + ` = ?
		ORDER BY id COLLATE BINARY ASC`
	return t.queryRows(ctx, "query indexed", query, table, value)
}

// HasIndex reports whether the named index exists.
func (t *Tx) HasIndex(ctx context.Context, name string) (bool, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?
	`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check index: %w", err)
	}
	return count > 0, nil
}

// CountRows returns the number of rows in a table.
func (t *Tx) CountRows(ctx context.Context, table string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM replicated_rows WHERE table_name = ?
	`, table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// DeleteExpired removes clean rows last synced before cutoffMs.
func (t *Tx) DeleteExpired(ctx context.Context, table string, cutoffMs int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM replicated_rows
		WHERE table_name = ? AND is_dirty = 0 AND last_synced_at < ?
	`, table, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired: rows affected: %w", err)
	}
	return int(n), nil
}

// RefreshSynced sets last_synced_at on every clean row of a table.
func (t *Tx) RefreshSynced(ctx context.Context, table string, nowMs int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE replicated_rows SET last_synced_at = ?
		WHERE table_name = ? AND is_dirty = 0
	`, nowMs, table)
	if err != nil {
		return 0, fmt.Errorf("refresh synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("refresh synced: rows affected: %w", err)
	}
	return int(n), nil
}

// MarkClean clears the dirty flag on the given rows. Returns how many
// rows changed.
func (t *Tx) MarkClean(ctx context.Context, table string, ids []string, nowMs int64) (int, error) {
	total := 0
	for _, id := range ids {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE replicated_rows
			SET is_dirty = 0, sync_status = 'synced', last_synced_at = ?
			WHERE table_name = ? AND id = ? AND is_dirty = 1
		`, nowMs, table, id)
		if err != nil {
			return total, fmt.Errorf("mark clean: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("mark clean: rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// ListRowMeta returns size and access statistics for every row, without
// payloads.
func (t *Tx) ListRowMeta(ctx context.Context, table string) ([]RowMeta, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, length(CAST(data AS BLOB)), last_modified_at, last_accessed_at, access_count, is_dirty
		FROM replicated_rows
		WHERE table_name = ?
		ORDER BY id COLLATE BINARY ASC
	`, table)
	if err != nil {
		return nil, fmt.Errorf("list row meta: %w", err)
	}
	defer rows.Close()

	var metas []RowMeta
	for rows.Next() {
		var m RowMeta
		var dirty int
		if err := rows.Scan(&m.ID, &m.SizeBytes, &m.LastModifiedAt, &m.LastAccessedAt, &m.AccessCount, &dirty); err != nil {
			return nil, fmt.Errorf("scan row meta: %w", err)
		}
		m.SizeBytes += RowOverheadBytes
		m.IsDirty = dirty != 0
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate row meta: %w", err)
	}
	return metas, nil
}

// TableStats summarizes a table's rows.
type TableStats struct {
	RowCount       int
	EstimatedBytes int64
	DirtyCount     int
	OldestAccess   int64
	NewestAccess   int64
}

// Stats aggregates row counts and sizes for a table.
func (t *Tx) Stats(ctx context.Context, table string) (TableStats, error) {
	var s TableStats
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(length(CAST(data AS BLOB))), 0) + COUNT(*) * ?,
			COALESCE(SUM(is_dirty), 0),
			COALESCE(MIN(last_accessed_at), 0),
			COALESCE(MAX(last_accessed_at), 0)
		FROM replicated_rows
		WHERE table_name = ?
	`, RowOverheadBytes, table).Scan(&s.RowCount, &s.EstimatedBytes, &s.DirtyCount, &s.OldestAccess, &s.NewestAccess)
	if err != nil {
		return TableStats{}, fmt.Errorf("table stats: %w", err)
	}
	return s, nil
}

// TableNames returns every logical table with at least one row.
func (t *Tx) TableNames(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT DISTINCT table_name FROM replicated_rows ORDER BY table_name
	`)
	if err != nil {
		return nil, fmt.Errorf("table names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table names: %w", err)
	}
	return names, nil
}

func (t *Tx) queryRows(ctx context.Context, op, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}

	// Return empty slice instead of nil
	if out == nil {
		out = []Row{}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(s rowScanner) (Row, error) {
	var row Row
	var data, status string
	var dirty int
	err := s.Scan(
		&row.TableName,
		&row.ID,
		&data,
		&row.Version,
		&row.LastSyncedAt,
		&row.LastModifiedAt,
		&row.LastAccessedAt,
		&row.AccessCount,
		&dirty,
		&status,
		&row.TenantKey,
	)
	if err != nil {
		return Row{}, err
	}
	row.Data = []byte(data)
	row.IsDirty = dirty != 0
	row.SyncStatus = RowSyncStatus(status)
	return row, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
