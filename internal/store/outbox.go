package store

import (
	"context"
	"fmt"
)

// MutationStatus is the state of an outbound mutation.
type MutationStatus string

const (
	MutationPending   MutationStatus = "pending"
	MutationConfirmed MutationStatus = "confirmed"
	MutationFailed    MutationStatus = "failed"
)

// PendingMutation records a local write not yet confirmed by the remote
// store. The uploader that drains these is outside this package.
type PendingMutation struct {
	ID        string         `json:"id"`
	TableName string         `json:"table_name"`
	RowID     string         `json:"row_id"`
	Status    MutationStatus `json:"status"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// EnqueueMutation inserts a pending mutation and bumps the table's
// pending_mutations counter in the same transaction.
func (t *Tx) EnqueueMutation(ctx context.Context, m PendingMutation) error {
	if m.Status == "" {
		m.Status = MutationPending
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, table_name, row_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.TableName, m.RowID, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue mutation: %w", err)
	}
	return t.UpdateSyncMetadata(ctx, m.TableName, MetadataUpdate{PendingDelta: 1})
}

// confirmChunkSize bounds the row ids bound into one UPDATE, well under
// SQLite's host parameter limit.
const confirmChunkSize = 500

// ConfirmMutations marks every pending mutation for the given rows as
// confirmed and decrements the pending counter. Returns how many changed.
func (t *Tx) ConfirmMutations(ctx context.Context, table string, rowIDs []string, nowMs int64) (int, error) {
	var total int64
	for start := 0; start < len(rowIDs); start += confirmChunkSize {
		chunk := rowIDs[start:min(start+confirmChunkSize, len(rowIDs))]
		args := []any{string(MutationConfirmed), nowMs, table, string(MutationPending)}
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := t.tx.ExecContext(ctx, `
			UPDATE pending_mutations SET status = ?, updated_at = ?
			WHERE table_name = ? AND status = ? AND row_id IN (`+placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return 0, fmt.Errorf("confirm mutations: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("confirm mutations: rows affected: %w", err)
		}
		total += n
	}
	if total > 0 {
		if err := t.UpdateSyncMetadata(ctx, table, MetadataUpdate{PendingDelta: -total}); err != nil {
			return 0, err
		}
	}
	return int(total), nil
}

// ListPendingMutations returns pending mutations in creation order. An
// empty table name lists every table.
func (t *Tx) ListPendingMutations(ctx context.Context, table string) ([]PendingMutation, error) {
	query := `SELECT id, table_name, row_id, status, created_at, updated_at
		FROM pending_mutations WHERE status = ?`
	args := []any{string(MutationPending)}
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}
	defer rows.Close()

	out := []PendingMutation{}
	for rows.Next() {
		var m PendingMutation
		var status string
		if err := rows.Scan(&m.ID, &m.TableName, &m.RowID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending mutation: %w", err)
		}
		m.Status = MutationStatus(status)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending mutations: %w", err)
	}
	return out, nil
}
