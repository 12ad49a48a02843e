package replica

import (
	"sync/atomic"
	"time"

	"github.com/roach88/ringside/internal/store"
)

// Record is a payload stored in a replicated table.
type Record interface {
	// RecordID returns the primary key. It is NFC-normalized before use.
	RecordID() string
}

// TenantScoped is implemented by records that belong to one tenant.
// The tenant key is persisted beside the payload so GetAll can filter on
// it without decoding every row.
type TenantScoped interface {
	TenantKey() string
}

// Row is a decoded replicated row.
type Row[T Record] struct {
	ID             string
	Data           T
	Version        int64
	LastSyncedAt   time.Time
	LastModifiedAt time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	IsDirty        bool
	SyncStatus     store.RowSyncStatus
	TenantKey      string
}

// Clock supplies wall-clock time for TTL and eviction decisions.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Connectivity reports whether the client can currently reach the remote
// store.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is the default Connectivity.
type AlwaysOnline struct{}

// Online always returns true.
func (AlwaysOnline) Online() bool { return true }

// OnlineFlag is a Connectivity toggled by the host application.
// The zero value reports offline.
type OnlineFlag struct {
	v atomic.Bool
}

// NewOnlineFlag returns a flag with the given initial state.
func NewOnlineFlag(online bool) *OnlineFlag {
	f := &OnlineFlag{}
	f.v.Store(online)
	return f
}

// Online reports the current state.
func (f *OnlineFlag) Online() bool { return f.v.Load() }

// Set changes the current state.
func (f *OnlineFlag) Set(online bool) { f.v.Store(online) }

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
