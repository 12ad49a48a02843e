package entries

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/testutil"
)

func openTestTable(t *testing.T, src replica.Source[Entry]) (*Table, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock()
	tbl, err := Open(context.Background(), testutil.NewManager(t), src,
		replica.WithClock(clock),
		replica.WithLogger(testutil.DiscardLogger()),
		replica.WithDebounceWindow(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	return tbl, clock
}

func sampleEntries() []Entry {
	return []Entry{
		{ID: "e1", LicenseKey: "lic-1", ClassID: "novice-a", Armband: 112, CallName: "Rex", Handler: "Sam"},
		{ID: "e2", LicenseKey: "lic-1", ClassID: "novice-a", Armband: 101, CallName: "Juno", Handler: "Ari"},
		{ID: "e3", LicenseKey: "lic-1", ClassID: "open-b", Armband: 205, CallName: "Pip", Handler: "Lee"},
	}
}

func TestTable_ByClassOrdersByArmband(t *testing.T) {
	tbl, _ := openTestTable(t, nil)
	ctx := context.Background()

	_, err := tbl.BatchSet(ctx, sampleEntries())
	require.NoError(t, err)

	got, err := tbl.ByClass(ctx, "novice-a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e1", got[1].ID)
}

func TestTable_CheckInAndAdvance(t *testing.T) {
	tbl, _ := openTestTable(t, nil)
	ctx := context.Background()
	_, err := tbl.BatchSet(ctx, sampleEntries())
	require.NoError(t, err)

	e, err := tbl.CheckIn(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, e.Status)

	e, err = tbl.Advance(ctx, "e1", StatusInRing)
	require.NoError(t, err)
	assert.Equal(t, StatusInRing, e.Status)

	row, found, err := tbl.Peek(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, row.IsDirty)
	assert.Equal(t, int64(3), row.Version)

	pending, err := tbl.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestTable_AdvanceRejectsRegression(t *testing.T) {
	tbl, _ := openTestTable(t, nil)
	ctx := context.Background()
	_, err := tbl.BatchSet(ctx, sampleEntries())
	require.NoError(t, err)

	_, err = tbl.Advance(ctx, "e1", StatusAtGate)
	require.NoError(t, err)

	_, err = tbl.CheckIn(ctx, "e1")
	assert.ErrorIs(t, err, ErrStatusRegression)

	_, err = tbl.Advance(ctx, "e1", "warming-up")
	assert.Error(t, err)
}

func TestTable_SyncKeepsOfflineProgress(t *testing.T) {
	remote := sampleEntries()
	src := replica.SourceFunc[Entry](func(context.Context, string, time.Time) ([]replica.Remote[Entry], error) {
		out := make([]replica.Remote[Entry], len(remote))
		for i, e := range remote {
			out[i] = replica.Remote[Entry]{Data: e}
		}
		return out, nil
	})
	tbl, _ := openTestTable(t, src)
	ctx := context.Background()

	res := tbl.Sync(ctx, "lic-1")
	require.True(t, res.Success)
	require.Equal(t, 3, res.RowsAffected)

	// Checked in at the table while the venue wifi was down
	_, err := tbl.CheckIn(ctx, "e1")
	require.NoError(t, err)

	// Meanwhile the judge's scoresheet was entered upstream
	remote[0].ResultTimeSeconds = 38.5
	remote[0].Qualifying = Qualified
	remote[0].IsScored = true

	res = tbl.Sync(ctx, "lic-1")
	require.True(t, res.Success)
	assert.Equal(t, 1, res.ConflictsResolved)

	row, found, err := tbl.Peek(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusCheckedIn, row.Data.Status)
	assert.Equal(t, 38.5, row.Data.ResultTimeSeconds)
	assert.True(t, row.Data.IsScored)
	assert.True(t, row.IsDirty, "check-in not yet accepted upstream")

	// Once upstream has the check-in the row is clean again
	remote[0].Status = StatusCheckedIn
	res = tbl.Sync(ctx, "lic-1")
	require.True(t, res.Success)
	row, _, err = tbl.Peek(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, row.IsDirty)
}

func TestTable_GetAllByLicense(t *testing.T) {
	tbl, _ := openTestTable(t, nil)
	ctx := context.Background()

	list := sampleEntries()
	list = append(list, Entry{ID: "x1", LicenseKey: "lic-2", ClassID: "novice-a"})
	_, err := tbl.BatchSet(ctx, list)
	require.NoError(t, err)

	got, err := tbl.GetAll(ctx, "lic-2")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x1", got[0].ID)
}
