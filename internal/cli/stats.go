package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache size and sync state",
		Long: `Show the local footprint of the entries table and its sync bookkeeping.

Example:
  ringside stats --db ./trial.db
  ringside stats --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, opts)
		},
	}
}

type statsReport struct {
	Cache      replica.CacheStats `json:"cache"`
	Sync       store.SyncMetadata `json:"sync"`
	Connection store.ManagerStats `json:"connection"`
}

func runStats(cmd *cobra.Command, opts *RootOptions) error {
	rt, err := openRuntime(cmd, opts, remoteMode{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	cache, err := rt.entries.CacheStats(ctx)
	if err != nil {
		return rt.fail(ExitFailure, "failed to read cache stats", err)
	}
	md, err := rt.entries.SyncMetadata(ctx)
	if err != nil {
		return rt.fail(ExitFailure, "failed to read sync metadata", err)
	}

	return rt.out.Success(statsReport{
		Cache:      cache,
		Sync:       md,
		Connection: rt.mgr.Stats(),
	})
}

func (r statsReport) renderText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "table\t%s\n", r.Cache.Table)
	fmt.Fprintf(tw, "rows\t%d\n", r.Cache.RowCount)
	fmt.Fprintf(tw, "dirty\t%d\n", r.Cache.DirtyCount)
	fmt.Fprintf(tw, "estimated bytes\t%d\n", r.Cache.EstimatedBytes)
	fmt.Fprintf(tw, "oldest access\t%s\n", formatTime(r.Cache.OldestAccess))
	fmt.Fprintf(tw, "newest access\t%s\n", formatTime(r.Cache.NewestAccess))
	fmt.Fprintf(tw, "sync status\t%s\n", r.Sync.SyncStatus)
	fmt.Fprintf(tw, "last full sync\t%s\n", formatMillis(r.Sync.LastFullSyncAt))
	fmt.Fprintf(tw, "last incremental sync\t%s\n", formatMillis(r.Sync.LastIncrementalSyncAt))
	fmt.Fprintf(tw, "conflicts\t%d\n", r.Sync.ConflictCount)
	fmt.Fprintf(tw, "pending mutations\t%d\n", r.Sync.PendingMutations)
	if r.Sync.ErrorMessage != "" {
		fmt.Fprintf(tw, "last error\t%s\n", r.Sync.ErrorMessage)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return formatTime(time.UnixMilli(ms))
}
