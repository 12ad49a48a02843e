package replica

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/roach88/ringside/internal/store"
)

// BatchSet writes items as clean, synced rows in one transaction. New rows
// get version 1; existing rows are replaced at their version plus one.
func (t *Table[T]) BatchSet(ctx context.Context, items []T) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	n, err := t.writeBatch(ctx, items)
	if err != nil {
		return 0, err
	}
	t.opts.metrics.Write(t.name, "batch", n)
	t.notify.Trigger()
	return n, nil
}

// BatchSetChunked writes items in sequential transactions of chunkSize
// rows. chunkSize <= 0 uses the table's configured chunk size. Inputs that
// fit in one chunk are written by BatchSet. On failure, chunks already
// committed stay committed and their count is returned with the error.
func (t *Table[T]) BatchSetChunked(ctx context.Context, items []T, chunkSize int) (int, error) {
	if chunkSize <= 0 {
		chunkSize = t.opts.chunkSize
	}
	if len(items) <= chunkSize {
		return t.BatchSet(ctx, items)
	}

	chunks := (len(items) + chunkSize - 1) / chunkSize
	written := 0
	for i := 0; i < chunks; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(items))

		n, err := t.writeBatch(ctx, items[start:end])
		if err != nil {
			if written > 0 {
				t.opts.metrics.Write(t.name, "batch", written)
				t.notify.Trigger()
			}
			return written, fmt.Errorf("batch chunk %d/%d: %w", i+1, chunks, err)
		}
		written += n
		t.opts.logger.Debug("batch chunk written",
			"table", t.name,
			"chunk", i+1,
			"chunks", chunks,
			"written", written,
			"total", len(items))
	}

	t.opts.logger.Info("chunked batch complete", "table", t.name, "rows", written, "chunks", chunks)
	t.opts.metrics.Write(t.name, "batch", written)
	t.notify.Trigger()
	return written, nil
}

func (t *Table[T]) writeBatch(ctx context.Context, items []T) (int, error) {
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		now := t.nowMs()
		var confirmed []string
		for _, item := range items {
			id := store.NormalizeKey(item.RecordID())
			payload, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("batch %s/%s: encode: %w", t.name, id, err)
			}
			prev, found, err := tx.GetRow(ctx, t.name, id)
			if err != nil {
				return err
			}
			row := cleanRow(t.name, id, payload, tenantOf(item), now)
			if found {
				row.Version = prev.Version + 1
				row.AccessCount = prev.AccessCount
				row.LastAccessedAt = prev.LastAccessedAt
				if prev.IsDirty {
					confirmed = append(confirmed, id)
				}
			}
			if err := tx.PutRow(ctx, row); err != nil {
				return err
			}
		}
		_, err := tx.ConfirmMutations(ctx, t.name, confirmed, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// BatchDelete removes ids in one transaction and returns how many existed.
func (t *Table[T]) BatchDelete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.NormalizeKey(id)
	}
	removed := 0
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteRows(ctx, t.name, keys)
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		t.notify.Trigger()
	}
	return removed, nil
}

// ClearCache removes every row of the table, dirty rows included.
func (t *Table[T]) ClearCache(ctx context.Context) (int, error) {
	removed := 0
	dirty := 0
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		s, err := tx.Stats(ctx, t.name)
		if err != nil {
			return err
		}
		dirty = s.DirtyCount
		removed, err = tx.ClearTable(ctx, t.name)
		return err
	})
	if err != nil {
		return 0, err
	}
	if dirty > 0 {
		t.opts.logger.Warn("cleared table discarded unsynced rows", "table", t.name, "dirty", dirty)
	}
	if removed > 0 {
		t.notify.Trigger()
	}
	return removed, nil
}

func cleanRow(table, id string, payload []byte, tenant string, nowMs int64) store.Row {
	return store.Row{
		TableName:      table,
		ID:             id,
		Data:           payload,
		Version:        1,
		LastSyncedAt:   nowMs,
		LastModifiedAt: nowMs,
		LastAccessedAt: nowMs,
		SyncStatus:     store.RowSynced,
		TenantKey:      tenant,
	}
}
