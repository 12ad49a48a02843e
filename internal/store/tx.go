package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Tx is a tracked transaction on the shared connection.
// While a Tx is open, new Connection callers wait in the admission queue.
type Tx struct {
	tx     *sql.Tx
	id     uint64
	caller string
	m      *Manager
	once   sync.Once
}

// Begin starts a tracked transaction on behalf of callerID.
func (m *Manager) Begin(ctx context.Context, callerID string) (*Tx, error) {
	st, err := m.ensureOpen(ctx, callerID)
	if err != nil {
		return nil, err
	}
	sqlTx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewTimeoutError("begin", callerID, ctx.Err())
		}
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: sqlTx, id: m.track(callerID), caller: callerID, m: m}, nil
}

// Commit commits the transaction and stops tracking it.
func (t *Tx) Commit() error {
	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. No-op after Commit.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	t.finish()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (t *Tx) finish() {
	t.once.Do(func() { t.m.release(t.id) })
}

// Caller returns the caller id the transaction was opened for.
func (t *Tx) Caller() string {
	return t.caller
}

// WithTx runs fn inside a tracked transaction, committing on nil and
// rolling back otherwise. A context deadline surfaces as ErrCodeTimeout.
//
// fn must not call WithTx or Begin itself: the pool has a single
// connection and a nested transaction would wait forever.
func (m *Manager) WithTx(ctx context.Context, callerID string, fn func(*Tx) error) error {
	tx, err := m.Begin(ctx, callerID)
	if err != nil {
		return err
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		if ctx.Err() != nil && !HasCode(err, ErrCodeTimeout) {
			return NewTimeoutError("tx", callerID, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if ctx.Err() != nil {
			return NewTimeoutError("commit", callerID, err)
		}
		return err
	}
	return nil
}
