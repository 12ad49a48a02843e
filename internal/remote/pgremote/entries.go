package pgremote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/ringside/internal/entries"
	"github.com/roach88/ringside/internal/replica"
)

// DefaultPageSize is the number of rows fetched per query.
const DefaultPageSize = 500

// Querier is the subset of *pgxpool.Pool used by sources.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// EntrySource implements replica.Source for entries.
//
// Pages are fetched with a keyset cursor on (updated_at, id) so rows
// sharing a timestamp are neither skipped nor repeated across pages.
type EntrySource struct {
	db       Querier
	pageSize int
	logger   *slog.Logger
}

// EntrySourceOption configures an EntrySource.
type EntrySourceOption func(*EntrySource)

// WithPageSize sets the rows fetched per query.
func WithPageSize(n int) EntrySourceOption {
	return func(s *EntrySource) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EntrySourceOption {
	return func(s *EntrySource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewEntrySource creates a source reading the remote entries table.
func NewEntrySource(db Querier, opts ...EntrySourceOption) *EntrySource {
	s := &EntrySource{db: db, pageSize: DefaultPageSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ replica.Source[entries.Entry] = (*EntrySource)(nil)

const selectEntries = `
	SELECT id, license_key, show_id, trial_id, class_id, armband, call_name, breed,
	       handler, status, result_time_seconds, faults, points, placement,
	       qualifying, is_scored, updated_at
	FROM entries
	WHERE ($1 = '' OR license_key = $1)
	  AND (updated_at, id) > ($2, $3)
	ORDER BY updated_at, id
	LIMIT $4`

// FetchChanges returns entries updated after since. An empty tenant reads
// every license.
func (s *EntrySource) FetchChanges(ctx context.Context, tenant string, since time.Time) ([]replica.Remote[entries.Entry], error) {
	var out []replica.Remote[entries.Entry]
	cursorAt, cursorID := since.UTC(), ""

	for page := 1; ; page++ {
		batch, err := s.fetchPage(ctx, tenant, cursorAt, cursorID)
		if err != nil {
			return nil, fmt.Errorf("fetch entries page %d: %w", page, err)
		}
		out = append(out, batch...)

		s.logger.Debug("fetched remote entries page",
			"tenant", tenant,
			"page", page,
			"rows", len(batch))

		if len(batch) < s.pageSize {
			return out, nil
		}
		last := batch[len(batch)-1]
		cursorAt, cursorID = last.ModifiedAt, last.Data.ID
	}
}

func (s *EntrySource) fetchPage(ctx context.Context, tenant string, after time.Time, afterID string) ([]replica.Remote[entries.Entry], error) {
	rows, err := s.db.Query(ctx, selectEntries, tenant, after, afterID, s.pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([]replica.Remote[entries.Entry], 0, s.pageSize)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !e.Status.Valid() {
			s.logger.Warn("remote entry has unknown status", "id", e.ID, "status", e.Status)
		}
		batch = append(batch, replica.Remote[entries.Entry]{Data: e, ModifiedAt: e.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return batch, nil
}

func scanEntry(rows pgx.Rows) (entries.Entry, error) {
	var (
		e                                  entries.Entry
		status                             string
		showID, trialID, breed, qualifying *string
		resultTime, points                 *float64
		placement                          *int
	)
	err := rows.Scan(
		&e.ID,
		&e.LicenseKey,
		&showID,
		&trialID,
		&e.ClassID,
		&e.Armband,
		&e.CallName,
		&breed,
		&e.Handler,
		&status,
		&resultTime,
		&e.Faults,
		&points,
		&placement,
		&qualifying,
		&e.IsScored,
		&e.UpdatedAt,
	)
	if err != nil {
		return entries.Entry{}, fmt.Errorf("scan entry: %w", err)
	}

	e.Status = entries.Status(status)
	e.ShowID = deref(showID)
	e.TrialID = deref(trialID)
	e.Breed = deref(breed)
	e.Qualifying = deref(qualifying)
	e.ResultTimeSeconds = deref(resultTime)
	e.Points = deref(points)
	e.Placement = deref(placement)
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
