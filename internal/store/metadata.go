package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncState is the per-table sync status.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
)

// SyncMetadata is the sync bookkeeping for one logical table.
// Timestamps are unix milliseconds; zero means never.
type SyncMetadata struct {
	TableName             string    `json:"table_name"`
	LastFullSyncAt        int64     `json:"last_full_sync_at"`
	LastIncrementalSyncAt int64     `json:"last_incremental_sync_at"`
	SyncStatus            SyncState `json:"sync_status"`
	ConflictCount         int64     `json:"conflict_count"`
	PendingMutations      int64     `json:"pending_mutations"`
	ErrorMessage          string    `json:"error_message,omitempty"`
}

// MetadataUpdate describes a change to SyncMetadata. Nil pointer fields are
// left unchanged. Deltas are added to the stored counters in SQL so
// concurrent updates never lose increments.
type MetadataUpdate struct {
	LastFullSyncAt        *int64
	LastIncrementalSyncAt *int64
	SyncStatus            *SyncState
	ErrorMessage          *string
	ConflictDelta         int64
	PendingDelta          int64
}

// GetSyncMetadata returns the metadata for a table. A table that never
// synced yields an idle zero value.
func (t *Tx) GetSyncMetadata(ctx context.Context, table string) (SyncMetadata, error) {
	md := SyncMetadata{TableName: table, SyncStatus: SyncIdle}
	var status string
	err := t.tx.QueryRowContext(ctx, `
		SELECT last_full_sync_at, last_incremental_sync_at, sync_status,
		       conflict_count, pending_mutations, error_message
		FROM sync_metadata
		WHERE table_name = ?
	`, table).Scan(
		&md.LastFullSyncAt,
		&md.LastIncrementalSyncAt,
		&status,
		&md.ConflictCount,
		&md.PendingMutations,
		&md.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return md, nil
	}
	if err != nil {
		return SyncMetadata{}, fmt.Errorf("get sync metadata: %w", err)
	}
	md.SyncStatus = SyncState(status)
	return md, nil
}

// UpdateSyncMetadata applies u to the table's metadata row, creating it if
// needed.
func (t *Tx) UpdateSyncMetadata(ctx context.Context, table string, u MetadataUpdate) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name) VALUES (?)
		ON CONFLICT(table_name) DO NOTHING
	`, table); err != nil {
		return fmt.Errorf("update sync metadata: ensure row: %w", err)
	}

	var status *string
	if u.SyncStatus != nil {
		s := string(*u.SyncStatus)
		status = &s
	}

	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_metadata SET
			last_full_sync_at        = COALESCE(?, last_full_sync_at),
			last_incremental_sync_at = COALESCE(?, last_incremental_sync_at),
			sync_status              = COALESCE(?, sync_status),
			error_message            = COALESCE(?, error_message),
			conflict_count           = MAX(conflict_count + ?, 0),
			pending_mutations        = MAX(pending_mutations + ?, 0)
		WHERE table_name = ?
	`,
		nullableInt(u.LastFullSyncAt),
		nullableInt(u.LastIncrementalSyncAt),
		nullableString(status),
		nullableString(u.ErrorMessage),
		u.ConflictDelta,
		u.PendingDelta,
		table,
	)
	if err != nil {
		return fmt.Errorf("update sync metadata: %w", err)
	}
	return nil
}

func nullableInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
