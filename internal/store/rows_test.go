package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRows_PutGetRoundTrip(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	row := createTestRow("entries", "e1", `{"id":"e1","class_id":"c1"}`, 1)
	row.IsDirty = true
	row.SyncStatus = RowPending
	row.TenantKey = "lic-1"
	putRows(t, m, row)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		got, found, err := tx.GetRow(ctx, "entries", "e1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, row, got)

		_, found, err = tx.GetRow(ctx, "entries", "missing")
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_TablesAreIsolated(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	putRows(t, m,
		createTestRow("entries", "x", `{"a":1}`, 1),
		createTestRow("classes", "x", `{"a":2}`, 1),
	)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		got, _, err := tx.GetRow(ctx, "classes", "x")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":2}`, string(got.Data))

		names, err := tx.TableNames(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"classes", "entries"}, names)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_TouchRow(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()
	putRows(t, m, createTestRow("entries", "e1", `{}`, 1))

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		require.NoError(t, tx.TouchRow(ctx, "entries", "e1", 5000))
		require.NoError(t, tx.TouchRow(ctx, "entries", "e1", 6000))
		got, _, err := tx.GetRow(ctx, "entries", "e1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.AccessCount)
		assert.Equal(t, int64(6000), got.LastAccessedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_ListRowsOrderedAndTenantFiltered(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	a := createTestRow("entries", "b", `{}`, 1)
	a.TenantKey = "lic-1"
	b := createTestRow("entries", "a", `{}`, 1)
	b.TenantKey = "lic-1"
	c := createTestRow("entries", "c", `{}`, 1)
	c.TenantKey = "lic-2"
	putRows(t, m, a, b, c)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		all, err := tx.ListRows(ctx, "entries", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, rowIDs(all))

		scoped, err := tx.ListRows(ctx, "entries", "lic-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, rowIDs(scoped))

		none, err := tx.ListRows(ctx, "classes", "")
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_QueryIndexed(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	putRows(t, m,
		createTestRow("entries", "e1", `{"class_id":"c1"}`, 1),
		createTestRow("entries", "e2", `{"class_id":"c2"}`, 1),
		createTestRow("entries", "e3", `{"class_id":"c1"}`, 1),
		createTestRow("classes", "e4", `{"class_id":"c1"}`, 1),
	)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		ok, err := tx.HasIndex(ctx, IndexName("class_id"))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := tx.QueryIndexed(ctx, "entries", "class_id", "c1")
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e3"}, rowIDs(got))

		_, err = tx.QueryIndexed(ctx, "entries", "armband", "1")
		assert.Error(t, err, "unindexed field must be rejected")
		return nil
	})
	require.NoError(t, err)
}

func TestRows_DeleteExpiredKeepsDirtyRows(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	stale := createTestRow("entries", "stale", `{}`, 1)
	stale.LastSyncedAt = 100
	dirty := createTestRow("entries", "dirty", `{}`, 1)
	dirty.LastSyncedAt = 100
	dirty.IsDirty = true
	fresh := createTestRow("entries", "fresh", `{}`, 1)
	fresh.LastSyncedAt = 900
	putRows(t, m, stale, dirty, fresh)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		n, err := tx.DeleteExpired(ctx, "entries", 500)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rows, err := tx.ListRows(ctx, "entries", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"dirty", "fresh"}, rowIDs(rows))
		return nil
	})
	require.NoError(t, err)
}

func TestRows_RefreshSyncedSkipsDirty(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	dirty := createTestRow("entries", "dirty", `{}`, 1)
	dirty.IsDirty = true
	putRows(t, m, createTestRow("entries", "clean", `{}`, 1), dirty)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		n, err := tx.RefreshSynced(ctx, "entries", 9000)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, _, err := tx.GetRow(ctx, "entries", "dirty")
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.LastSyncedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_MarkClean(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	dirty := createTestRow("entries", "e1", `{}`, 1)
	dirty.IsDirty = true
	dirty.SyncStatus = RowPending
	putRows(t, m, dirty, createTestRow("entries", "e2", `{}`, 1))

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		n, err := tx.MarkClean(ctx, "entries", []string{"e1", "e2", "missing"}, 7000)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, _, err := tx.GetRow(ctx, "entries", "e1")
		require.NoError(t, err)
		assert.False(t, got.IsDirty)
		assert.Equal(t, RowSynced, got.SyncStatus)
		assert.Equal(t, int64(7000), got.LastSyncedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_StatsAndMeta(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()

	a := createTestRow("entries", "a", `{"x":"1234"}`, 1)
	a.LastAccessedAt = 10
	b := createTestRow("entries", "b", `{}`, 1)
	b.LastAccessedAt = 30
	b.IsDirty = true
	putRows(t, m, a, b)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		s, err := tx.Stats(ctx, "entries")
		require.NoError(t, err)
		assert.Equal(t, 2, s.RowCount)
		assert.Equal(t, int64(len(`{"x":"1234"}`)+len(`{}`)+2*RowOverheadBytes), s.EstimatedBytes)
		assert.Equal(t, 1, s.DirtyCount)
		assert.Equal(t, int64(10), s.OldestAccess)
		assert.Equal(t, int64(30), s.NewestAccess)

		metas, err := tx.ListRowMeta(ctx, "entries")
		require.NoError(t, err)
		require.Len(t, metas, 2)
		assert.Equal(t, a.SizeBytes(), metas[0].SizeBytes)
		assert.True(t, metas[1].IsDirty)

		empty, err := tx.Stats(ctx, "classes")
		require.NoError(t, err)
		assert.Equal(t, TableStats{}, empty)
		return nil
	})
	require.NoError(t, err)
}

func TestRows_DeleteAndClear(t *testing.T) {
	m := createTestManager(t)
	ctx := context.Background()
	putRows(t, m,
		createTestRow("entries", "a", `{}`, 1),
		createTestRow("entries", "b", `{}`, 1),
		createTestRow("entries", "c", `{}`, 1),
		createTestRow("classes", "a", `{}`, 1),
	)

	err := m.WithTx(ctx, "test", func(tx *Tx) error {
		removed, err := tx.DeleteRow(ctx, "entries", "a")
		require.NoError(t, err)
		assert.True(t, removed)

		n, err := tx.DeleteRows(ctx, "entries", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.ClearTable(ctx, "entries")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := tx.CountRows(ctx, "classes")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		return nil
	})
	require.NoError(t, err)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func rowIDs(rows []Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
