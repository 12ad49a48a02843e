package replica

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/ringside/internal/store"
)

// Remote is one changed row fetched from the authoritative store.
type Remote[T Record] struct {
	Data       T
	ModifiedAt time.Time
}

// Source fetches rows changed at the remote store since a point in time.
// A zero since requests everything visible to tenant.
type Source[T Record] interface {
	FetchChanges(ctx context.Context, tenant string, since time.Time) ([]Remote[T], error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T Record] func(ctx context.Context, tenant string, since time.Time) ([]Remote[T], error)

// FetchChanges calls f.
func (f SourceFunc[T]) FetchChanges(ctx context.Context, tenant string, since time.Time) ([]Remote[T], error) {
	return f(ctx, tenant, since)
}

// Resolver merges a local row with its remote counterpart.
type Resolver[T Record] interface {
	Resolve(local, remote T) T
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc[T Record] func(local, remote T) T

// Resolve calls f.
func (f ResolverFunc[T]) Resolve(local, remote T) T { return f(local, remote) }

// RemoteWins always takes the remote row.
type RemoteWins[T Record] struct{}

// Resolve returns remote.
func (RemoteWins[T]) Resolve(_, remote T) T { return remote }

// SyncResult reports one Sync run. Failures are reported here rather than
// returned as errors.
type SyncResult struct {
	Table             string        `json:"table"`
	RowsAffected      int           `json:"rows_affected"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	FullSync          bool          `json:"full_sync"`
	Success           bool          `json:"success"`
	Duration          time.Duration `json:"duration"`
	Err               error         `json:"-"`
}

// Sync pulls remote changes for tenant and merges them into the table.
//
// An empty table, or one that never synced, fetches everything;
// otherwise changes since the last incremental sync, less the skew buffer,
// are fetched. All merged rows are written in one transaction together
// with the sync metadata. A dirty row keeps its dirty flag only when the
// resolved value still differs from the remote one.
func (t *Table[T]) Sync(ctx context.Context, tenant string) (result SyncResult) {
	start := time.Now()
	result.Table = t.name
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync panicked: %v", r)
			t.opts.logger.Error("sync panicked", "table", t.name, "panic", r)
			result = t.failSync(ctx, result, err)
		}
		result.Duration = time.Since(start)
		t.opts.metrics.SyncFinished(t.name, result.Success, result.RowsAffected, result.ConflictsResolved, result.Duration)
	}()

	if t.src == nil {
		return t.failSync(ctx, result, fmt.Errorf("table %s has no remote source", t.name))
	}
	if tenant != "" {
		tenant = store.NormalizeKey(tenant)
	}

	since, full, err := t.beginSync(ctx)
	if err != nil {
		return t.failSync(ctx, result, err)
	}
	result.FullSync = full

	t.opts.logger.Debug("fetching remote changes",
		"table", t.name,
		"tenant", tenant,
		"since", since,
		"full", full)

	// The next incremental cursor is taken before fetching so rows changed
	// remotely while the fetch runs are requested again next time.
	cursor := t.nowMs()
	changes, err := t.src.FetchChanges(ctx, tenant, since)
	if err != nil {
		return t.failSync(ctx, result, fmt.Errorf("fetch changes: %w", err))
	}

	if len(changes) == 0 {
		if _, err := t.RefreshTimestamps(ctx); err != nil {
			return t.failSync(ctx, result, err)
		}
		if err := t.finishSync(ctx, full, cursor); err != nil {
			return t.failSync(ctx, result, err)
		}
		result.Success = true
		return result
	}

	affected, conflicts, err := t.merge(ctx, changes, full, cursor)
	if err != nil {
		return t.failSync(ctx, result, err)
	}
	result.RowsAffected = affected
	result.ConflictsResolved = conflicts
	result.Success = true

	t.opts.logger.Info("sync complete",
		"table", t.name,
		"rows", affected,
		"conflicts", conflicts,
		"full", full)
	t.notify.Trigger()
	return result
}

// beginSync marks the table as syncing and computes the fetch cursor.
func (t *Table[T]) beginSync(ctx context.Context) (since time.Time, full bool, err error) {
	mctx, cancel := context.WithTimeout(ctx, t.opts.metaTimeout)
	defer cancel()

	syncing := store.SyncSyncing
	err = t.mgr.WithTx(mctx, t.name, func(tx *store.Tx) error {
		md, err := tx.GetSyncMetadata(mctx, t.name)
		if err != nil {
			return err
		}
		count, err := tx.CountRows(mctx, t.name)
		if err != nil {
			return err
		}
		if count == 0 || md.LastIncrementalSyncAt == 0 {
			full = true
		} else {
			since = fromMillis(max(md.LastIncrementalSyncAt-t.opts.skew.Milliseconds(), 1))
		}
		return tx.UpdateSyncMetadata(mctx, t.name, store.MetadataUpdate{SyncStatus: &syncing})
	})
	return since, full, err
}

// finishSync records a successful run that wrote nothing.
func (t *Table[T]) finishSync(ctx context.Context, full bool, cursor int64) error {
	mctx, cancel := context.WithTimeout(ctx, t.opts.metaTimeout)
	defer cancel()
	return t.mgr.WithTx(mctx, t.name, func(tx *store.Tx) error {
		return tx.UpdateSyncMetadata(mctx, t.name, t.successUpdate(full, 0, cursor))
	})
}

// successUpdate stamps the sync timestamps with cursor, the local time the
// fetch started.
func (t *Table[T]) successUpdate(full bool, conflicts int, cursor int64) store.MetadataUpdate {
	idle := store.SyncIdle
	empty := ""
	u := store.MetadataUpdate{
		LastIncrementalSyncAt: &cursor,
		SyncStatus:            &idle,
		ErrorMessage:          &empty,
		ConflictDelta:         int64(conflicts),
	}
	if full {
		u.LastFullSyncAt = &cursor
	}
	return u
}

// merge resolves and writes every change plus the metadata update in one
// transaction.
func (t *Table[T]) merge(ctx context.Context, changes []Remote[T], full bool, cursor int64) (affected, conflicts int, err error) {
	err = t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		affected, conflicts = 0, 0
		now := t.nowMs()
		var confirmed []string

		for _, change := range changes {
			id := store.NormalizeKey(change.Data.RecordID())
			remoteJSON, err := json.Marshal(change.Data)
			if err != nil {
				return fmt.Errorf("merge %s/%s: encode remote: %w", t.name, id, err)
			}

			prev, found, err := tx.GetRow(ctx, t.name, id)
			if err != nil {
				return err
			}

			row := cleanRow(t.name, id, remoteJSON, tenantOf(change.Data), now)
			if found {
				var local T
				if err := decode(prev.Data, &local); err != nil {
					return fmt.Errorf("merge %s/%s: %w", t.name, id, err)
				}
				merged := t.res.Resolve(local, change.Data)
				mergedJSON, err := json.Marshal(merged)
				if err != nil {
					return fmt.Errorf("merge %s/%s: encode merged: %w", t.name, id, err)
				}

				if prev.IsDirty && !jsonEqual(prev.Data, remoteJSON) {
					conflicts++
				}
				keepDirty := prev.IsDirty && !jsonEqual(mergedJSON, remoteJSON)

				row.Data = mergedJSON
				row.TenantKey = tenantOf(merged)
				row.Version = prev.Version + 1
				row.AccessCount = prev.AccessCount
				row.LastAccessedAt = prev.LastAccessedAt
				if keepDirty {
					row.IsDirty = true
					row.SyncStatus = store.RowPending
				} else if prev.IsDirty {
					confirmed = append(confirmed, id)
				}
			}

			if err := tx.PutRow(ctx, row); err != nil {
				return err
			}
			affected++
		}

		if _, err := tx.ConfirmMutations(ctx, t.name, confirmed, now); err != nil {
			return err
		}
		return tx.UpdateSyncMetadata(ctx, t.name, t.successUpdate(full, conflicts, cursor))
	})
	if err != nil {
		return 0, 0, err
	}
	return affected, conflicts, nil
}

// failSync records the failure in sync metadata and folds it into result.
func (t *Table[T]) failSync(ctx context.Context, result SyncResult, cause error) SyncResult {
	result.Success = false
	result.Err = &store.Error{
		Code:    store.ErrCodeSyncFailed,
		Op:      "sync",
		Table:   t.name,
		Message: "sync did not complete",
		Err:     cause,
	}

	t.opts.logger.Warn("sync failed", "table", t.name, "error", cause)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.metaTimeout)
	defer cancel()
	status := store.SyncError
	msg := cause.Error()
	err := t.mgr.WithTx(mctx, t.name, func(tx *store.Tx) error {
		return tx.UpdateSyncMetadata(mctx, t.name, store.MetadataUpdate{
			SyncStatus:   &status,
			ErrorMessage: &msg,
		})
	})
	if err != nil {
		t.opts.logger.Error("failed to record sync failure", "table", t.name, "error", err)
	}
	return result
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
