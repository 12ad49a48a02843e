package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/replica"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	RemoteDSN string
	Tenant    string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes into the local replica",
		Long: `Pull changed entries from the remote Postgres database and merge them.

An empty replica, or one that never synced, fetches everything visible to
the tenant. Later runs fetch only rows changed since the previous sync.
Local check-ins and status changes survive when they are further along
than the remote row.

Example:
  ringside sync --remote-dsn postgres://ringside@db/trials --tenant lic-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RemoteDSN, "remote-dsn", "", "Postgres connection string (overrides config)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "license key to sync (defaults to sync.tenant)")

	return cmd
}

type syncReport struct {
	replica.SyncResult
	Duration string `json:"duration"`
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	rt, err := openRuntime(cmd, opts.RootOptions, remoteMode{required: true, dsn: opts.RemoteDSN})
	if err != nil {
		return err
	}
	defer rt.Close()

	tenant := opts.Tenant
	if tenant == "" {
		tenant = rt.cfg.Sync.Tenant
	}

	rt.out.VerboseLog("syncing %s for tenant %q", rt.entries.Name(), tenant)
	res := rt.entries.Sync(cmd.Context(), tenant)
	if !res.Success {
		return rt.fail(ExitFailure, "sync failed", res.Err)
	}

	return rt.out.Success(syncReport{
		SyncResult: res,
		Duration:   res.Duration.String(),
	})
}

func (r syncReport) renderText(w io.Writer) error {
	kind := "incremental"
	if r.FullSync {
		kind = "full"
	}
	_, err := fmt.Fprintf(w, "synced %s: %d rows, %d conflicts resolved (%s, %s)\n",
		r.Table, r.RowsAffected, r.ConflictsResolved, kind, r.Duration)
	return err
}
