package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ringside/internal/store"
	"github.com/roach88/ringside/internal/testutil"
)

const testTable = "items"

// item is a minimal tenant-scoped record.
type item struct {
	ID      string `json:"id"`
	ClassID string `json:"class_id,omitempty"`
	License string `json:"license_key,omitempty"`
	Name    string `json:"name"`
	Count   int    `json:"count"`
}

func (i item) RecordID() string  { return i.ID }
func (i item) TenantKey() string { return i.License }

type fixture struct {
	mgr    *store.Manager
	clock  *testutil.FakeClock
	online *OnlineFlag
	table  *Table[item]
}

func newFixture(t *testing.T, src Source[item], res Resolver[item], opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mgr:    testutil.NewManager(t),
		clock:  testutil.NewFakeClock(),
		online: NewOnlineFlag(true),
	}
	base := []Option{
		WithClock(f.clock),
		WithConnectivity(f.online),
		WithLogger(testutil.DiscardLogger()),
		WithTTL(time.Hour),
		WithDebounceWindow(20 * time.Millisecond),
	}
	tbl, err := New[item](context.Background(), f.mgr, testTable, src, res, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	f.table = tbl
	return f
}

func (f *fixture) peek(t *testing.T, id string) Row[item] {
	t.Helper()
	row, found, err := f.table.Peek(context.Background(), id)
	require.NoError(t, err)
	require.True(t, found, "row %q not found", id)
	return row
}

// fakeSource serves canned changes and records each call's cursor.
type fakeSource struct {
	mu      sync.Mutex
	changes []Remote[item]
	err     error
	panics  bool
	onFetch func()
	calls   []time.Time
	tenants []string
}

func (s *fakeSource) FetchChanges(_ context.Context, tenant string, since time.Time) ([]Remote[item], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, since)
	s.tenants = append(s.tenants, tenant)
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.panics {
		panic("remote exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.changes, nil
}

func (s *fakeSource) lastSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func ids(items []item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
