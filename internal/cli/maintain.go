package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewCleanCommand creates the clean command.
func NewCleanCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Delete expired rows",
		Long: `Delete rows whose last sync is older than the cache TTL.

Rows with unsynced local changes are never deleted.

Example:
  ringside clean --db ./trial.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts, remoteMode{})
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.entries.CleanExpired(cmd.Context())
			if err != nil {
				return rt.fail(ExitFailure, "failed to clean expired rows", err)
			}
			return rt.out.Success(maintenanceReport{Table: rt.entries.Name(), Action: "expired", Rows: n})
		},
	}
}

// EvictOptions holds flags for the evict command.
type EvictOptions struct {
	*RootOptions
	TargetBytes int64
}

// NewEvictCommand creates the evict command.
func NewEvictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict least valuable rows until the cache fits",
		Long: `Evict clean rows, lowest score first, until the table's estimated size
is at or below the target. Rows modified in the last five minutes or read
in the last thirty seconds are kept.

Without --target-bytes the cache.max_bytes setting is used.

Example:
  ringside evict --target-bytes 1048576`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts.RootOptions, remoteMode{})
			if err != nil {
				return err
			}
			defer rt.Close()

			target := opts.TargetBytes
			if !cmd.Flags().Changed("target-bytes") {
				target = rt.cfg.Cache.MaxBytes
			}
			if target <= 0 {
				return rt.fail(ExitCommandError, "target size must be positive (--target-bytes or cache.max_bytes)", nil)
			}

			n, err := rt.entries.EvictLRU(cmd.Context(), target)
			if err != nil {
				return rt.fail(ExitFailure, "failed to evict rows", err)
			}
			return rt.out.Success(maintenanceReport{Table: rt.entries.Name(), Action: "evicted", Rows: n})
		},
	}

	cmd.Flags().Int64Var(&opts.TargetBytes, "target-bytes", 0, "target estimated size in bytes")

	return cmd
}

type maintenanceReport struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	Rows   int    `json:"rows"`
}

func (r maintenanceReport) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s: %d rows %s\n", r.Table, r.Rows, r.Action)
	return err
}
