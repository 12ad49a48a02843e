package replica

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/roach88/ringside/internal/store"
)

// MutationHook observes committed dirty writes. It runs after the write's
// transaction commits, on the writer's goroutine, and must not block.
type MutationHook interface {
	MutationQueued(ctx context.Context, m store.PendingMutation)
}

// MutationHookFunc adapts a function to MutationHook.
type MutationHookFunc func(ctx context.Context, m store.PendingMutation)

// MutationQueued calls f.
func (f MutationHookFunc) MutationQueued(ctx context.Context, m store.PendingMutation) {
	f(ctx, m)
}

// Table is one logical replicated table over the shared store.
//
// Thread-safety: all methods are safe for concurrent use.
type Table[T Record] struct {
	name string
	mgr  *store.Manager
	src  Source[T]
	res  Resolver[T]
	opts options

	locks  *keyedMutex
	notify *debouncer

	broadcastMu sync.Mutex
	subsMu      sync.Mutex
	subs        map[uint64]*subscriber[T]
	nextSub     uint64

	closed atomic.Bool
}

// New creates a table named name. It waits for admission on the shared
// connection before returning, so tables created together do not contend
// for it while it is being opened. src may be nil for tables that never
// sync; res defaults to RemoteWins.
func New[T Record](ctx context.Context, mgr *store.Manager, name string, src Source[T], res Resolver[T], opts ...Option) (*Table[T], error) {
	if name == "" {
		return nil, errors.New("replica: table name is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if res == nil {
		res = RemoteWins[T]{}
	}

	if _, err := mgr.Connection(ctx, name); err != nil {
		return nil, fmt.Errorf("replica %s: connect: %w", name, err)
	}

	t := &Table[T]{
		name:  name,
		mgr:   mgr,
		src:   src,
		res:   res,
		opts:  o,
		locks: newKeyedMutex(),
		subs:  make(map[uint64]*subscriber[T]),
	}
	t.notify = newDebouncer(o.debounce, t.broadcast)

	o.logger.Debug("replicated table ready", "table", name)
	return t, nil
}

// Name returns the logical table name.
func (t *Table[T]) Name() string { return t.name }

// Get returns the row's data. An expired row is deleted and reported as
// not found. A hit counts as an access for eviction scoring.
func (t *Table[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero, out T
	id = store.NormalizeKey(id)
	found, expired := false, false

	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		row, ok, err := tx.GetRow(ctx, t.name, id)
		if err != nil || !ok {
			return err
		}
		if t.expired(row) {
			expired = true
			_, err := tx.DeleteRow(ctx, t.name, id)
			return err
		}
		if err := decode(row.Data, &out); err != nil {
			return fmt.Errorf("get %s/%s: %w", t.name, id, err)
		}
		found = true
		return tx.TouchRow(ctx, t.name, id, t.nowMs())
	})
	if err != nil {
		return zero, false, err
	}

	switch {
	case found:
		t.opts.metrics.CacheHit(t.name)
	case expired:
		t.opts.metrics.Expired(t.name, 1)
		t.opts.metrics.CacheMiss(t.name)
		t.opts.logger.Debug("expired row removed on read", "table", t.name, "id", id)
		t.notify.Trigger()
	default:
		t.opts.metrics.CacheMiss(t.name)
	}
	if !found {
		return zero, false, nil
	}
	return out, true, nil
}

// Peek returns the full row without counting an access or expiring it.
func (t *Table[T]) Peek(ctx context.Context, id string) (Row[T], bool, error) {
	id = store.NormalizeKey(id)
	var out Row[T]
	found := false
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		row, ok, err := tx.GetRow(ctx, t.name, id)
		if err != nil || !ok {
			return err
		}
		out, err = toRow[T](row)
		found = err == nil
		return err
	})
	if err != nil {
		return Row[T]{}, false, err
	}
	return out, found, nil
}

// SetOption modifies a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	dirty  bool
	expect *int64
}

// Dirty marks the write as a local change awaiting upload.
func Dirty() SetOption {
	return func(o *setOptions) { o.dirty = true }
}

// ExpectVersion rejects the write with a concurrency error unless the
// stored version equals v. A missing row is accepted.
func ExpectVersion(v int64) SetOption {
	return func(o *setOptions) { o.expect = &v }
}

// Set writes data under id. The version becomes the stored version plus
// one, or 1 for a new row.
func (t *Table[T]) Set(ctx context.Context, id string, data T, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	_, err := t.set(ctx, store.NormalizeKey(id), data, o)
	return err
}

func (t *Table[T]) set(ctx context.Context, id string, data T, o setOptions) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("set %s/%s: encode: %w", t.name, id, err)
	}

	var mutation *store.PendingMutation
	var version int64
	err = t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		prev, found, err := tx.GetRow(ctx, t.name, id)
		if err != nil {
			return err
		}
		if o.expect != nil && found && prev.Version != *o.expect {
			return store.NewConcurrencyError(t.name, id, *o.expect, prev.Version)
		}

		now := t.nowMs()
		row := store.Row{
			TableName:      t.name,
			ID:             id,
			Data:           payload,
			Version:        1,
			LastSyncedAt:   now,
			LastModifiedAt: now,
			LastAccessedAt: now,
			IsDirty:        o.dirty,
			SyncStatus:     store.RowSynced,
			TenantKey:      tenantOf(data),
		}
		if found {
			row.Version = prev.Version + 1
			row.AccessCount = prev.AccessCount
		}
		if o.dirty {
			row.SyncStatus = store.RowPending
			if found {
				row.LastSyncedAt = prev.LastSyncedAt
			}
		}
		if err := tx.PutRow(ctx, row); err != nil {
			return err
		}
		version = row.Version

		if o.dirty {
			m := store.PendingMutation{
				ID:        t.opts.ids.Generate(),
				TableName: t.name,
				RowID:     id,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.EnqueueMutation(ctx, m); err != nil {
				return err
			}
			mutation = &m
			return nil
		}
		if found && prev.IsDirty {
			_, err := tx.ConfirmMutations(ctx, t.name, []string{id}, now)
			return err
		}
		return nil
	})
	if err != nil {
		if store.IsConcurrencyError(err) {
			t.opts.metrics.VersionConflict(t.name)
		}
		return 0, err
	}

	kind := "clean"
	if o.dirty {
		kind = "dirty"
	}
	t.opts.metrics.Write(t.name, kind, 1)
	if mutation != nil && t.opts.hook != nil {
		t.opts.hook.MutationQueued(ctx, *mutation)
	}
	t.notify.Trigger()
	return version, nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	id = store.NormalizeKey(id)
	removed := false
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteRow(ctx, t.name, id)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		t.notify.Trigger()
	}
	return nil
}

// QueryByField returns rows whose payload field equals value. String
// queries on store.IndexedFields use their expression index when it
// exists; every other query scans the table. SQLite folds JSON booleans
// into integers, so non-string values always scan.
// Expired rows are omitted.
func (t *Table[T]) QueryByField(ctx context.Context, field string, value any) ([]T, error) {
	qctx, cancel := context.WithTimeout(ctx, t.opts.queryTimeout)
	defer cancel()

	var rows []store.Row
	err := t.mgr.WithTx(qctx, t.name, func(tx *store.Tx) error {
		useIndex := false
		key, isString := value.(string)
		if isString && store.IsIndexedField(field) {
			ok, err := tx.HasIndex(qctx, store.IndexName(field))
			if err != nil {
				return err
			}
			useIndex = ok
		}

		if useIndex {
			var err error
			rows, err = tx.QueryIndexed(qctx, t.name, field, key)
			return err
		}

		t.opts.logger.Debug("query falling back to scan", "table", t.name, "field", field)
		all, err := tx.ListRows(qctx, t.name, "")
		if err != nil {
			return err
		}
		rows, err = filterField(all, field, value)
		return err
	})
	if err != nil {
		if qctx.Err() != nil && !store.IsTimeout(err) {
			return nil, store.NewTimeoutError("query", t.name, err)
		}
		return nil, err
	}
	return t.decodeLive(rows)
}

// GetAll returns every non-expired row, restricted to tenant when it is
// non-empty. A timeout yields an empty result and no error.
func (t *Table[T]) GetAll(ctx context.Context, tenant string) ([]T, error) {
	gctx, cancel := context.WithTimeout(ctx, t.opts.getAllTimeout)
	defer cancel()

	if tenant != "" {
		tenant = store.NormalizeKey(tenant)
	}
	var rows []store.Row
	err := t.mgr.WithTx(gctx, t.name, func(tx *store.Tx) error {
		var err error
		rows, err = tx.ListRows(gctx, t.name, tenant)
		return err
	})
	if err != nil {
		if store.IsTimeout(err) || gctx.Err() != nil {
			t.opts.logger.Warn("get all timed out, returning empty result",
				"table", t.name,
				"timeout", t.opts.getAllTimeout,
				"error", err)
			return []T{}, nil
		}
		return nil, err
	}
	return t.decodeLive(rows)
}

// UpdateFunc computes a new value from the current one.
type UpdateFunc[T Record] func(current T) (T, error)

// Update applies fn to the current value under a per-row lock and writes
// the result as a dirty change. Concurrency conflicts with writers that
// bypass the lock are retried up to maxRetries times (DefaultUpdateRetries
// when maxRetries <= 0). A missing row fails with ErrCodeNotFound.
func (t *Table[T]) Update(ctx context.Context, id string, fn UpdateFunc[T], maxRetries int) (T, error) {
	var zero T
	id = store.NormalizeKey(id)
	if maxRetries <= 0 {
		maxRetries = DefaultUpdateRetries
	}

	release, err := t.locks.Lock(ctx, id)
	if err != nil {
		return zero, store.NewTimeoutError("update", t.name, err)
	}
	defer release()

	for attempt := 0; ; attempt++ {
		var current store.Row
		found := false
		err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
			var err error
			current, found, err = tx.GetRow(ctx, t.name, id)
			return err
		})
		if err != nil {
			return zero, err
		}
		if !found {
			return zero, store.NewNotFoundError("update", t.name, id)
		}

		var value T
		if err := decode(current.Data, &value); err != nil {
			return zero, fmt.Errorf("update %s/%s: %w", t.name, id, err)
		}
		next, err := fn(value)
		if err != nil {
			return zero, err
		}

		expect := current.Version
		_, err = t.set(ctx, id, next, setOptions{dirty: true, expect: &expect})
		if err == nil {
			return next, nil
		}
		if !store.IsConcurrencyError(err) || attempt >= maxRetries {
			return zero, err
		}
		t.opts.logger.Debug("retrying update after version conflict",
			"table", t.name, "id", id, "attempt", attempt+1)
	}
}

// ConfirmSynced clears the dirty flag on rows the remote store has
// accepted and confirms their pending mutations.
func (t *Table[T]) ConfirmSynced(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = store.NormalizeKey(id)
	}

	cleaned := 0
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		now := t.nowMs()
		var err error
		cleaned, err = tx.MarkClean(ctx, t.name, keys, now)
		if err != nil {
			return err
		}
		_, err = tx.ConfirmMutations(ctx, t.name, keys, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return cleaned, nil
}

// PendingMutations lists this table's unconfirmed local writes.
func (t *Table[T]) PendingMutations(ctx context.Context) ([]store.PendingMutation, error) {
	var out []store.PendingMutation
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		out, err = tx.ListPendingMutations(ctx, t.name)
		return err
	})
	return out, err
}

// SyncMetadata returns the table's sync bookkeeping. A timeout yields the
// idle default and no error.
func (t *Table[T]) SyncMetadata(ctx context.Context) (store.SyncMetadata, error) {
	mctx, cancel := context.WithTimeout(ctx, t.opts.metaTimeout)
	defer cancel()

	var md store.SyncMetadata
	err := t.mgr.WithTx(mctx, t.name, func(tx *store.Tx) error {
		var err error
		md, err = tx.GetSyncMetadata(mctx, t.name)
		return err
	})
	if err != nil {
		if store.IsTimeout(err) || mctx.Err() != nil {
			t.opts.logger.Warn("sync metadata read timed out", "table", t.name, "error", err)
			return store.SyncMetadata{TableName: t.name, SyncStatus: store.SyncIdle}, nil
		}
		return store.SyncMetadata{}, err
	}
	return md, nil
}

// Close stops notifications and subscriber goroutines. The shared
// manager stays open.
func (t *Table[T]) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.notify.Stop()
	t.subsMu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]*subscriber[T])
	t.subsMu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (t *Table[T]) nowMs() int64 {
	return toMillis(t.opts.clock.Now())
}

// decodeLive decodes rows, skipping expired ones without deleting them.
func (t *Table[T]) decodeLive(rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if t.expired(row) {
			continue
		}
		var v T
		if err := decode(row.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", t.name, row.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decode[T any](data []byte, v *T) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func toRow[T Record](r store.Row) (Row[T], error) {
	out := Row[T]{
		ID:             r.ID,
		Version:        r.Version,
		LastSyncedAt:   fromMillis(r.LastSyncedAt),
		LastModifiedAt: fromMillis(r.LastModifiedAt),
		LastAccessedAt: fromMillis(r.LastAccessedAt),
		AccessCount:    r.AccessCount,
		IsDirty:        r.IsDirty,
		SyncStatus:     r.SyncStatus,
		TenantKey:      r.TenantKey,
	}
	if err := decode(r.Data, &out.Data); err != nil {
		return Row[T]{}, err
	}
	return out, nil
}

func tenantOf(v any) string {
	if ts, ok := v.(TenantScoped); ok {
		return store.NormalizeKey(ts.TenantKey())
	}
	return ""
}

// filterField keeps rows whose payload field decodes equal to value.
// Missing and null fields never match, as with SQL equality.
func filterField(rows []store.Row, field string, value any) ([]store.Row, error) {
	if value == nil {
		return []store.Row{}, nil
	}
	want, err := normalizeJSON(value)
	if err != nil {
		return nil, fmt.Errorf("query value: %w", err)
	}

	out := []store.Row{}
	for _, row := range rows {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(row.Data, &fields); err != nil {
			continue
		}
		raw, ok := fields[field]
		if !ok {
			continue
		}
		var got any
		if err := json.Unmarshal(raw, &got); err != nil || got == nil {
			continue
		}
		if reflect.DeepEqual(got, want) {
			out = append(out, row)
		}
	}
	return out, nil
}

// normalizeJSON round-trips v so Go values compare equal to decoded JSON.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
