package entries

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

// TableName is the logical table holding entries.
const TableName = "entries"

// ErrStatusRegression is returned when Advance would move an entry back
// in the workflow.
var ErrStatusRegression = errors.New("status cannot move backwards")

// Table is the replicated entries table.
type Table struct {
	*replica.Table[Entry]
}

// Open creates the entries table over mgr. src may be nil for an
// offline-only table.
func Open(ctx context.Context, mgr *store.Manager, src replica.Source[Entry], opts ...replica.Option) (*Table, error) {
	t, err := replica.New[Entry](ctx, mgr, TableName, src, Resolver{}, opts...)
	if err != nil {
		return nil, err
	}
	return &Table{Table: t}, nil
}

// ByClass returns a class's entries in armband order.
func (t *Table) ByClass(ctx context.Context, classID string) ([]Entry, error) {
	list, err := t.QueryByField(ctx, "class_id", classID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Armband != list[j].Armband {
			return list[i].Armband < list[j].Armband
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

// Advance moves an entry forward to status as a local change. Moving
// backwards fails with ErrStatusRegression.
func (t *Table) Advance(ctx context.Context, id string, status Status) (Entry, error) {
	if !status.Valid() {
		return Entry{}, fmt.Errorf("advance %s: unknown status %q", id, status)
	}
	return t.Update(ctx, id, func(cur Entry) (Entry, error) {
		if status.Index() < cur.Status.Index() {
			return cur, fmt.Errorf("advance %s from %s to %s: %w", id, cur.Status, status, ErrStatusRegression)
		}
		cur.Status = status
		return cur, nil
	}, 0)
}

// CheckIn marks an entry as checked in.
func (t *Table) CheckIn(ctx context.Context, id string) (Entry, error) {
	return t.Advance(ctx, id, StatusCheckedIn)
}
