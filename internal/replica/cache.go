package replica

import (
	"context"
	"sort"
	"time"

	"github.com/roach88/ringside/internal/store"
)

// Scorer ranks eviction candidates. Lower scores are evicted first.
type Scorer interface {
	Score(candidates []store.RowMeta, now time.Time) []float64
}

// HybridScorer weights normalized access frequency against recency.
// Frequency is access_count / max access_count; recency is the row's
// position between the oldest and newest last access, in [0, 1].
type HybridScorer struct {
	FrequencyWeight float64
	RecencyWeight   float64
}

// DefaultScorer favors frequently read rows over recently read ones.
var DefaultScorer = HybridScorer{FrequencyWeight: 0.7, RecencyWeight: 0.3}

// Score implements Scorer.
func (h HybridScorer) Score(candidates []store.RowMeta, _ time.Time) []float64 {
	scores := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return scores
	}

	var maxCount int64
	oldest, newest := candidates[0].LastAccessedAt, candidates[0].LastAccessedAt
	for _, c := range candidates {
		if c.AccessCount > maxCount {
			maxCount = c.AccessCount
		}
		if c.LastAccessedAt < oldest {
			oldest = c.LastAccessedAt
		}
		if c.LastAccessedAt > newest {
			newest = c.LastAccessedAt
		}
	}

	for i, c := range candidates {
		freq := 0.0
		if maxCount > 0 {
			freq = float64(c.AccessCount) / float64(maxCount)
		}
		recency := 1.0
		if newest > oldest {
			recency = float64(c.LastAccessedAt-oldest) / float64(newest-oldest)
		}
		scores[i] = h.FrequencyWeight*freq + h.RecencyWeight*recency
	}
	return scores
}

// CacheStats summarizes a table's local footprint.
type CacheStats struct {
	Table          string    `json:"table"`
	RowCount       int       `json:"row_count"`
	EstimatedBytes int64     `json:"estimated_bytes"`
	DirtyCount     int       `json:"dirty_count"`
	OldestAccess   time.Time `json:"oldest_access"`
	NewestAccess   time.Time `json:"newest_access"`
}

// IsExpired reports whether a row is past its TTL. Dirty rows never
// expire, and nothing expires while offline.
func (t *Table[T]) IsExpired(r Row[T]) bool {
	return t.expiredAt(r.IsDirty, toMillis(r.LastSyncedAt))
}

func (t *Table[T]) expired(r store.Row) bool {
	return t.expiredAt(r.IsDirty, r.LastSyncedAt)
}

func (t *Table[T]) expiredAt(dirty bool, lastSyncedMs int64) bool {
	if dirty {
		return false
	}
	if !t.opts.online.Online() {
		return false
	}
	return t.nowMs()-lastSyncedMs > t.opts.ttl.Milliseconds()
}

// CleanExpired deletes every expired row and returns how many were removed.
// It does nothing while offline.
func (t *Table[T]) CleanExpired(ctx context.Context) (int, error) {
	if !t.opts.online.Online() {
		t.opts.logger.Debug("skipping expiration while offline", "table", t.name)
		return 0, nil
	}

	removed := 0
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		removed, err = tx.DeleteExpired(ctx, t.name, t.nowMs()-t.opts.ttl.Milliseconds())
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		t.opts.metrics.Expired(t.name, removed)
		t.opts.logger.Info("expired rows removed", "table", t.name, "count", removed)
		t.notify.Trigger()
	}
	return removed, nil
}

// RefreshTimestamps marks every clean row as synced now.
func (t *Table[T]) RefreshTimestamps(ctx context.Context) (int, error) {
	refreshed := 0
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		refreshed, err = tx.RefreshSynced(ctx, t.name, t.nowMs())
		return err
	})
	return refreshed, err
}

// EvictLRU deletes the lowest-scoring evictable rows until the table's
// estimated size is at most targetBytes. Dirty rows, rows modified in the
// last five minutes and rows accessed in the last thirty seconds are never
// evicted, even if that leaves the table over target.
func (t *Table[T]) EvictLRU(ctx context.Context, targetBytes int64) (int, error) {
	evicted := 0
	var remaining int64
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		metas, err := tx.ListRowMeta(ctx, t.name)
		if err != nil {
			return err
		}

		var total int64
		for _, m := range metas {
			total += m.SizeBytes
		}
		remaining = total
		if total <= targetBytes {
			return nil
		}

		now := t.opts.clock.Now()
		nowMs := toMillis(now)
		var candidates []store.RowMeta
		for _, m := range metas {
			if m.IsDirty {
				continue
			}
			if nowMs-m.LastModifiedAt < recentlyModifiedWindow.Milliseconds() {
				continue
			}
			if nowMs-m.LastAccessedAt < recentlyAccessedWindow.Milliseconds() {
				continue
			}
			candidates = append(candidates, m)
		}
		if len(candidates) == 0 {
			return nil
		}

		scores := t.opts.scorer.Score(candidates, now)
		order := make([]int, len(candidates))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] < scores[order[b]]
		})

		for _, idx := range order {
			if remaining <= targetBytes {
				break
			}
			c := candidates[idx]
			if _, err := tx.DeleteRow(ctx, t.name, c.ID); err != nil {
				return err
			}
			remaining -= c.SizeBytes
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if evicted > 0 {
		t.opts.metrics.Evicted(t.name, evicted)
		t.opts.logger.Info("evicted rows",
			"table", t.name,
			"count", evicted,
			"remaining_bytes", remaining,
			"target_bytes", targetBytes)
		t.notify.Trigger()
	} else if remaining > targetBytes {
		t.opts.logger.Warn("over size target with no evictable rows",
			"table", t.name,
			"remaining_bytes", remaining,
			"target_bytes", targetBytes)
	}
	return evicted, nil
}

// CacheStats reports the table's row count and estimated size.
func (t *Table[T]) CacheStats(ctx context.Context) (CacheStats, error) {
	var s store.TableStats
	err := t.mgr.WithTx(ctx, t.name, func(tx *store.Tx) error {
		var err error
		s, err = tx.Stats(ctx, t.name)
		return err
	})
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{
		Table:          t.name,
		RowCount:       s.RowCount,
		EstimatedBytes: s.EstimatedBytes,
		DirtyCount:     s.DirtyCount,
		OldestAccess:   fromMillis(s.OldestAccess),
		NewestAccess:   fromMillis(s.NewestAccess),
	}, nil
}
