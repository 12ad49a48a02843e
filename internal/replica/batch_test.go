package replica

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/store"
)

func makeItems(n int) []item {
	items := make([]item, n)
	for i := range items {
		items[i] = item{ID: fmt.Sprintf("e%04d", i), Count: i}
	}
	return items
}

func TestTable_BatchSetWritesCleanVersionOne(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	n, err := f.table.BatchSet(ctx, makeItems(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"e0000", "e0001", "e0002"} {
		row := f.peek(t, id)
		assert.Equal(t, int64(1), row.Version)
		assert.False(t, row.IsDirty)
		assert.Equal(t, store.RowSynced, row.SyncStatus)
	}

	_, err = f.table.BatchSet(ctx, makeItems(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.peek(t, "e0000").Version, "replacing a row keeps versions increasing")

	n, err = f.table.BatchSet(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTable_BatchSetConfirmsReplacedDirtyRows(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.table.Set(ctx, "e0000", item{ID: "e0000", Name: "local"}, Dirty()))
	_, err := f.table.BatchSet(ctx, makeItems(1))
	require.NoError(t, err)

	assert.False(t, f.peek(t, "e0000").IsDirty)
	pending, err := f.table.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTable_BatchSetChunked(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		chunkSize int
	}{
		{name: "several chunks with remainder", items: 250, chunkSize: 100},
		{name: "exact multiple", items: 200, chunkSize: 50},
		{name: "fits one chunk", items: 10, chunkSize: 100},
		{name: "default chunk size", items: 150, chunkSize: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			ctx := context.Background()

			n, err := f.table.BatchSetChunked(ctx, makeItems(tt.items), tt.chunkSize)
			require.NoError(t, err)
			assert.Equal(t, tt.items, n)

			stats, err := f.table.CacheStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.items, stats.RowCount)
		})
	}
}

func TestTable_BatchSetChunkedStopsOnError(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.table.BatchSetChunked(ctx, makeItems(30), 10)
	require.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestTable_BatchDelete(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.table.BatchSet(ctx, makeItems(3))
	require.NoError(t, err)

	n, err := f.table.BatchDelete(ctx, []string{"e0000", "e0002", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := f.table.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"e0001"}, ids(all))
}

func TestTable_ClearCacheRemovesDirtyRows(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.table.BatchSet(ctx, makeItems(2))
	require.NoError(t, err)
	require.NoError(t, f.table.Set(ctx, "local", item{ID: "local"}, Dirty()))

	n, err := f.table.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := f.table.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RowCount)
}
