package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/ringside/internal/metrics"
)

const (
	// DefaultOpenTimeout bounds a single open attempt.
	DefaultOpenTimeout = 30 * time.Second

	// DefaultAdmissionTimeout bounds the wait in the admission queue.
	DefaultAdmissionTimeout = 30 * time.Second
)

// Manager owns the single physical database connection shared by every
// replicated table.
//
// Thread-safety model:
//   - Connection(): safe from any goroutine; concurrent callers share one open
//   - Begin()/WithTx(): safe from any goroutine; transactions are tracked
//   - Close(): safe to call more than once
//
// INVARIANTS:
//   - At most one open attempt is in flight (singleflight); the initializing
//     flag reports it in Stats while it runs
//   - Callers of Connection are admitted in FIFO order, and only while no
//     tracked transaction is active
//   - Initialization state is reset after a failed recovery only when no
//     transactions are active
type Manager struct {
	path             string
	openTimeout      time.Duration
	admissionTimeout time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics
	openFn           func(path string) (*Store, error)

	initializing atomic.Bool
	opens        singleflight.Group

	mu         sync.Mutex
	store      *Store
	closed     bool
	active     map[uint64]string // tx id -> caller id
	nextTxID   uint64
	waiters    []*admission
	recoveries int
}

// admission is one caller waiting in the FIFO admission queue.
type admission struct {
	caller string
	ready  chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithOpenTimeout sets the per-attempt open deadline.
func WithOpenTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.openTimeout = d
		}
	}
}

// WithAdmissionTimeout sets the maximum admission queue wait.
func WithAdmissionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.admissionTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a Manager for the database at path. The database is
// not opened until the first Connection, Begin or WithTx call.
func NewManager(path string, opts ...ManagerOption) *Manager {
	m := &Manager{
		path:             path,
		openTimeout:      DefaultOpenTimeout,
		admissionTimeout: DefaultAdmissionTimeout,
		logger:           slog.Default(),
		openFn:           Open,
		active:           make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the database path.
func (m *Manager) Path() string {
	return m.path
}

// Connection returns the shared store, opening it if needed, after the
// caller has been admitted through the FIFO queue.
//
// Because opening lets many tables start transactions at once, each caller
// waits for all currently active transactions to drain before it is handed
// the connection.
func (m *Manager) Connection(ctx context.Context, callerID string) (*Store, error) {
	st, err := m.ensureOpen(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := m.admit(ctx, callerID); err != nil {
		return nil, err
	}
	return st, nil
}

// ensureOpen returns the open store or joins the single in-flight open.
func (m *Manager) ensureOpen(ctx context.Context, callerID string) (*Store, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &Error{Code: ErrCodeClosed, Op: "open", Message: "manager closed"}
	}
	if m.store != nil {
		st := m.store
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	if m.initializing.Load() {
		m.logger.Debug("awaiting in-flight initialization", "caller", callerID)
	}

	ch := m.opens.DoChan("open", func() (any, error) {
		m.initializing.Store(true)
		st, err := m.openWithRecovery()
		if err != nil {
			return nil, err
		}
		m.initializing.Store(false)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			st.Close()
			return nil, &Error{Code: ErrCodeClosed, Op: "open", Message: "manager closed during open"}
		}
		m.store = st
		return st, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Store), nil
	case <-ctx.Done():
		return nil, NewTimeoutError("open", "", ctx.Err())
	}
}

// openWithRecovery performs one open attempt and, on failure, one
// delete-and-recreate attempt.
func (m *Manager) openWithRecovery() (*Store, error) {
	st, openErr := m.openWithTimeout()
	if openErr == nil {
		return st, nil
	}

	m.logger.Warn("database open failed, attempting recovery",
		"path", m.path,
		"error", openErr)

	m.mu.Lock()
	m.recoveries++
	m.mu.Unlock()
	m.metrics.Recovered()

	if err := m.removeFiles(); err != nil {
		m.logger.Error("failed to remove database files", "path", m.path, "error", err)
	}

	st, recoverErr := m.openWithTimeout()
	if recoverErr == nil {
		m.logger.Info("database recreated after recovery", "path", m.path)
		return st, nil
	}

	m.diagnose(openErr, recoverErr)
	if IsTimeout(recoverErr) {
		return nil, recoverErr
	}
	return nil, &Error{
		Code:    ErrCodeCorrupted,
		Op:      "open",
		Message: fmt.Sprintf("recovery failed (first error: %v)", openErr),
		Err:     recoverErr,
	}
}

// openWithTimeout bounds one call to openFn. A late-finishing open is
// closed in the background.
func (m *Manager) openWithTimeout() (*Store, error) {
	type result struct {
		st  *Store
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := m.openFn(m.path)
		ch <- result{st: st, err: err}
	}()

	timer := time.NewTimer(m.openTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.st, r.err
	case <-timer.C:
		go func() {
			if r := <-ch; r.st != nil {
				r.st.Close()
			}
		}()
		return nil, NewTimeoutError("open", "", fmt.Errorf("open exceeded %s", m.openTimeout))
	}
}

// removeFiles deletes the database and its WAL side files.
func (m *Manager) removeFiles() error {
	if m.path == ":memory:" || strings.HasPrefix(m.path, "file:") {
		return nil
	}
	var errs []error
	for _, p := range []string{m.path, m.path + "-wal", m.path + "-shm", m.path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// diagnose logs what is known about a failed recovery and resets shared
// initialization state when that cannot disturb other callers.
func (m *Manager) diagnose(openErr, recoverErr error) {
	attrs := []any{
		"path", m.path,
		"open_error", openErr,
		"recovery_error", recoverErr,
	}
	if info, err := os.Stat(m.path); err == nil {
		attrs = append(attrs, "file_size", info.Size(), "file_mode", info.Mode().String())
	} else {
		attrs = append(attrs, "stat_error", err)
	}

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	attrs = append(attrs, "active_transactions", active)

	m.logger.Error("database recovery failed", attrs...)

	if active == 0 {
		m.initializing.Store(false)
		return
	}
	m.logger.Warn("leaving initialization state in place: transactions still active",
		"active_transactions", active)
}

// admit enqueues the caller and waits until it reaches the front of the
// queue with no active transactions.
func (m *Manager) admit(ctx context.Context, callerID string) error {
	start := time.Now()
	w := &admission{caller: callerID, ready: make(chan struct{})}

	m.mu.Lock()
	m.waiters = append(m.waiters, w)
	m.dispatchLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.admissionTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		m.metrics.AdmissionWaited(time.Since(start))
		return nil
	case <-ctx.Done():
		m.abandon(w)
		return NewTimeoutError("admit", callerID, ctx.Err())
	case <-timer.C:
		m.abandon(w)
		return NewTimeoutError("admit", callerID, fmt.Errorf("admission exceeded %s", m.admissionTimeout))
	}
}

// dispatchLocked admits waiters in FIFO order while nothing is active.
// Caller must hold m.mu.
func (m *Manager) dispatchLocked() {
	for len(m.waiters) > 0 && len(m.active) == 0 {
		w := m.waiters[0]
		m.waiters[0] = nil
		m.waiters = m.waiters[1:]
		close(w.ready)
	}
}

// abandon removes a waiter that gave up.
func (m *Manager) abandon(w *admission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, q := range m.waiters {
		if q == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

// track registers an active transaction and returns its id.
func (m *Manager) track(callerID string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID++
	id := m.nextTxID
	m.active[id] = callerID
	m.metrics.SetActiveTransactions(len(m.active))
	return id
}

// release removes a finished transaction and wakes the admission queue.
func (m *Manager) release(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	m.metrics.SetActiveTransactions(len(m.active))
	m.dispatchLocked()
}

// Close closes the shared connection. Waiting callers time out.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	return err
}

// ManagerStats is a point-in-time view of connection state.
type ManagerStats struct {
	Open               bool `json:"open"`
	Initializing       bool `json:"initializing"`
	ActiveTransactions int  `json:"active_transactions"`
	QueuedCallers      int  `json:"queued_callers"`
	Recoveries         int  `json:"recoveries"`
}

// Stats returns current connection state.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Open:               m.store != nil,
		Initializing:       m.initializing.Load(),
		ActiveTransactions: len(m.active),
		QueuedCallers:      len(m.waiters),
		Recoveries:         m.recoveries,
	}
}
