package replica

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/metrics"
	"github.com/roach88/ringside/internal/store"
)

func remotes(items ...item) []Remote[item] {
	out := make([]Remote[item], len(items))
	for i, it := range items {
		out[i] = Remote[item]{Data: it}
	}
	return out
}

func TestSync_EmptyCacheFetchesEverything(t *testing.T) {
	src := &fakeSource{changes: remotes(
		item{ID: "1", License: "lic-1", Name: "a"},
		item{ID: "2", License: "lic-1", Name: "b"},
		item{ID: "3", License: "lic-1", Name: "c"},
	)}
	f := newFixture(t, src, nil)
	ctx := context.Background()

	res := f.table.Sync(ctx, "lic-1")
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.True(t, res.FullSync)
	assert.Equal(t, 3, res.RowsAffected)
	assert.Equal(t, 0, res.ConflictsResolved)

	assert.True(t, src.lastSince().IsZero(), "empty cache requests a full resync")
	assert.Equal(t, []string{"lic-1"}, src.tenants)

	for _, id := range []string{"1", "2", "3"} {
		row := f.peek(t, id)
		assert.Equal(t, int64(1), row.Version)
		assert.False(t, row.IsDirty)
		assert.Equal(t, store.RowSynced, row.SyncStatus)
	}

	all, err := f.table.GetAll(ctx, "lic-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3"}, ids(all))

	md, err := f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.SyncIdle, md.SyncStatus)
	assert.Equal(t, f.clock.Now().UnixMilli(), md.LastFullSyncAt)
	assert.Equal(t, f.clock.Now().UnixMilli(), md.LastIncrementalSyncAt)
}

func TestSync_IncrementalAppliesSkewBuffer(t *testing.T) {
	src := &fakeSource{changes: remotes(item{ID: "1"})}
	f := newFixture(t, src, nil, WithSkewBuffer(5*time.Second))
	ctx := context.Background()

	require.True(t, f.table.Sync(ctx, "").Success)
	firstSync := f.clock.Now()

	f.clock.Advance(time.Minute)
	res := f.table.Sync(ctx, "")
	require.True(t, res.Success)
	assert.False(t, res.FullSync)
	assert.Equal(t, firstSync.Add(-5*time.Second).UnixMilli(), src.lastSince().UnixMilli())
	assert.Equal(t, int64(2), f.peek(t, "1").Version)
}

func TestSync_CursorIsTakenBeforeFetch(t *testing.T) {
	src := &fakeSource{changes: remotes(item{ID: "1"})}
	f := newFixture(t, src, nil, WithSkewBuffer(5*time.Second))
	ctx := context.Background()

	// A slow remote: a minute passes while each page is fetched
	src.onFetch = func() { f.clock.Advance(time.Minute) }

	fetchStarted := f.clock.Now()
	require.True(t, f.table.Sync(ctx, "").Success)

	md, err := f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, fetchStarted.UnixMilli(), md.LastIncrementalSyncAt)

	require.True(t, f.table.Sync(ctx, "").Success)
	assert.Equal(t, fetchStarted.Add(-5*time.Second).UnixMilli(), src.lastSince().UnixMilli(),
		"rows changed remotely during the first fetch are requested again")

	src.changes = nil
	secondStarted := f.clock.Now()
	require.True(t, f.table.Sync(ctx, "").Success)
	md, err = f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, secondStarted.UnixMilli(), md.LastIncrementalSyncAt)
}

func TestSync_DirtyRowUntouchedByRemoteStaysDirty(t *testing.T) {
	src := &fakeSource{}
	f := newFixture(t, src, nil)
	ctx := context.Background()

	_, err := f.table.BatchSet(ctx, []item{{ID: "7", Name: "original"}, {ID: "8", Name: "other"}})
	require.NoError(t, err)
	require.NoError(t, f.table.Set(ctx, "7", item{ID: "7", Name: "edited offline", Count: 2}, Dirty()))
	before := f.peek(t, "7")

	src.changes = remotes(item{ID: "8", Name: "server"})
	f.clock.Advance(time.Second)
	res := f.table.Sync(ctx, "")
	require.True(t, res.Success)
	assert.Equal(t, 1, res.RowsAffected)
	assert.Equal(t, 0, res.ConflictsResolved)

	row := f.peek(t, "7")
	assert.True(t, row.IsDirty)
	assert.Equal(t, store.RowPending, row.SyncStatus)
	assert.Equal(t, before.Version, row.Version)
	assert.Equal(t, before.Data, row.Data)

	pending, err := f.table.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSync_DirtyRowSurvivesWhenResolverKeepsLocalState(t *testing.T) {
	keepLocalName := ResolverFunc[item](func(local, remote item) item {
		remote.Name = local.Name
		return remote
	})
	src := &fakeSource{}
	f := newFixture(t, src, keepLocalName)
	ctx := context.Background()

	_, err := f.table.BatchSet(ctx, []item{{ID: "7", Name: "original", Count: 1}})
	require.NoError(t, err)
	require.NoError(t, f.table.Set(ctx, "7", item{ID: "7", Name: "edited offline", Count: 1}, Dirty()))

	src.changes = remotes(item{ID: "7", Name: "server", Count: 5})
	f.clock.Advance(time.Second)
	res := f.table.Sync(ctx, "")
	require.True(t, res.Success)
	assert.Equal(t, 1, res.RowsAffected)
	assert.Equal(t, 1, res.ConflictsResolved)

	row := f.peek(t, "7")
	assert.True(t, row.IsDirty, "local change not yet accepted upstream stays dirty")
	assert.Equal(t, store.RowPending, row.SyncStatus)
	assert.Equal(t, int64(3), row.Version)
	assert.Equal(t, "edited offline", row.Data.Name)
	assert.Equal(t, 5, row.Data.Count)

	pending, err := f.table.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	md, err := f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.ConflictCount)
}

func TestSync_RemoteWinsCleansDirtyRow(t *testing.T) {
	src := &fakeSource{}
	f := newFixture(t, src, nil)
	ctx := context.Background()

	_, err := f.table.BatchSet(ctx, []item{{ID: "7", Name: "original"}})
	require.NoError(t, err)
	require.NoError(t, f.table.Set(ctx, "7", item{ID: "7", Name: "edited offline"}, Dirty()))

	src.changes = remotes(item{ID: "7", Name: "server"})
	res := f.table.Sync(ctx, "")
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ConflictsResolved)

	row := f.peek(t, "7")
	assert.False(t, row.IsDirty)
	assert.Equal(t, "server", row.Data.Name)

	pending, err := f.table.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "merged-away local change is confirmed")
}

func TestSync_NoChangesRefreshesTimestamps(t *testing.T) {
	src := &fakeSource{changes: remotes(item{ID: "1"})}
	f := newFixture(t, src, nil)
	ctx := context.Background()
	require.True(t, f.table.Sync(ctx, "").Success)

	src.changes = nil
	f.clock.Advance(50 * time.Minute)
	res := f.table.Sync(ctx, "")
	require.True(t, res.Success)
	assert.Equal(t, 0, res.RowsAffected)

	f.clock.Advance(50 * time.Minute)
	_, found, err := f.table.Get(ctx, "1")
	require.NoError(t, err)
	assert.True(t, found, "an empty sync counts as confirmation that cached rows are current")
}

func TestSync_SourceErrorIsRecorded(t *testing.T) {
	src := &fakeSource{changes: remotes(item{ID: "1", Name: "cached"})}
	f := newFixture(t, src, nil)
	ctx := context.Background()
	require.True(t, f.table.Sync(ctx, "").Success)

	src.err = errors.New("connection refused")
	res := f.table.Sync(ctx, "")
	assert.False(t, res.Success)
	require.Error(t, res.Err)
	assert.True(t, store.HasCode(res.Err, store.ErrCodeSyncFailed))
	assert.ErrorContains(t, res.Err, "connection refused")

	md, err := f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.SyncError, md.SyncStatus)
	assert.Contains(t, md.ErrorMessage, "connection refused")

	got, found, err := f.table.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, found, "cached data is still served after a failed sync")
	assert.Equal(t, "cached", got.Name)

	// A later success clears the error state
	src.err = nil
	require.True(t, f.table.Sync(ctx, "").Success)
	md, err = f.table.SyncMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.SyncIdle, md.SyncStatus)
	assert.Empty(t, md.ErrorMessage)
}

func TestSync_SourcePanicIsRecovered(t *testing.T) {
	f := newFixture(t, &fakeSource{panics: true}, nil)

	var res SyncResult
	require.NotPanics(t, func() { res = f.table.Sync(context.Background(), "") })
	assert.False(t, res.Success)
	assert.ErrorContains(t, res.Err, "remote exploded")
	assert.Equal(t, 0, f.mgr.Stats().ActiveTransactions)
}

func TestSync_WithoutSourceFails(t *testing.T) {
	f := newFixture(t, nil, nil)

	res := f.table.Sync(context.Background(), "")
	assert.False(t, res.Success)
	assert.True(t, store.HasCode(res.Err, store.ErrCodeSyncFailed))
}

func TestSync_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	src := &fakeSource{changes: remotes(item{ID: "1"}, item{ID: "2"})}
	f := newFixture(t, src, nil, WithMetrics(m))

	require.True(t, f.table.Sync(context.Background(), "").Success)
	src.err = errors.New("offline")
	require.False(t, f.table.Sync(context.Background(), "").Success)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.SyncRunsTotal.WithLabelValues(testTable, "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SyncRunsTotal.WithLabelValues(testTable, "error")))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.SyncRowsTotal.WithLabelValues(testTable)))
}
