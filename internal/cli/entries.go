package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/entries"
	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one entry and its replication state",
		Long: `Show one entry with its version, dirty flag and timestamps.

Reading an entry counts as an access for eviction. An expired entry is
removed and reported as not found.

Example:
  ringside get e-1042 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts, remoteMode{})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			id := args[0]
			if _, found, err := rt.entries.Get(ctx, id); err != nil {
				return rt.fail(ExitFailure, "failed to read entry", err)
			} else if !found {
				return rt.fail(ExitFailure, "entry not found", store.NewNotFoundError("get", entries.TableName, id))
			}

			row, _, err := rt.entries.Peek(ctx, id)
			if err != nil {
				return rt.fail(ExitFailure, "failed to read entry", err)
			}
			return rt.out.Success(newRowView(row))
		},
	}
}

// rowView is the printable form of a replicated entry.
type rowView struct {
	ID             string              `json:"id"`
	Version        int64               `json:"version"`
	Dirty          bool                `json:"dirty"`
	SyncStatus     store.RowSyncStatus `json:"sync_status"`
	LastSyncedAt   time.Time           `json:"last_synced_at"`
	LastModifiedAt time.Time           `json:"last_modified_at"`
	LastAccessedAt time.Time           `json:"last_accessed_at"`
	AccessCount    int64               `json:"access_count"`
	Entry          entries.Entry       `json:"entry"`
}

func newRowView(r replica.Row[entries.Entry]) rowView {
	return rowView{
		ID:             r.ID,
		Version:        r.Version,
		Dirty:          r.IsDirty,
		SyncStatus:     r.SyncStatus,
		LastSyncedAt:   r.LastSyncedAt,
		LastModifiedAt: r.LastModifiedAt,
		LastAccessedAt: r.LastAccessedAt,
		AccessCount:    r.AccessCount,
		Entry:          r.Data,
	}
}

func (v rowView) renderText(w io.Writer) error {
	e := v.Entry
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", v.ID)
	fmt.Fprintf(tw, "armband\t%d\n", e.Armband)
	fmt.Fprintf(tw, "dog\t%s\n", e.CallName)
	fmt.Fprintf(tw, "handler\t%s\n", e.Handler)
	fmt.Fprintf(tw, "class\t%s\n", e.ClassID)
	fmt.Fprintf(tw, "status\t%s\n", e.Status)
	if e.IsScored {
		fmt.Fprintf(tw, "result\t%s %.2fs, %d faults\n", e.Qualifying, e.ResultTimeSeconds, e.Faults)
	}
	fmt.Fprintf(tw, "version\t%d\n", v.Version)
	fmt.Fprintf(tw, "dirty\t%t\n", v.Dirty)
	fmt.Fprintf(tw, "last synced\t%s\n", formatTime(v.LastSyncedAt))
	fmt.Fprintf(tw, "last modified\t%s\n", formatTime(v.LastModifiedAt))
	return tw.Flush()
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List local changes not yet confirmed by the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts, remoteMode{})
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.entries.PendingMutations(cmd.Context())
			if err != nil {
				return rt.fail(ExitFailure, "failed to list pending mutations", err)
			}
			return rt.out.Success(pendingReport(list))
		},
	}
}

type pendingReport []store.PendingMutation

func (p pendingReport) renderText(w io.Writer) error {
	if len(p) == 0 {
		_, err := fmt.Fprintln(w, "no pending mutations")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tROW\tSTATUS\tCREATED")
	for _, m := range p {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.TableName, m.RowID, m.Status, formatMillis(m.CreatedAt))
	}
	return tw.Flush()
}

// NewCheckInCommand creates the checkin command.
func NewCheckInCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkin <id>",
		Short: "Check an entry in at the table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdvance(cmd, opts, args[0], entries.StatusCheckedIn)
		},
	}
}

// NewAdvanceCommand creates the advance command.
func NewAdvanceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <id> <status>",
		Short: "Move an entry forward in the ring workflow",
		Long: `Move an entry forward to one of: checked-in, at-gate, in-ring, completed.

The change is recorded locally and queued for upload. Moving an entry
backwards is rejected.

Example:
  ringside advance e-1042 at-gate`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := entries.ParseStatus(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid status", err)
			}
			return runAdvance(cmd, opts, args[0], status)
		},
	}
}

func runAdvance(cmd *cobra.Command, opts *RootOptions, id string, status entries.Status) error {
	rt, err := openRuntime(cmd, opts, remoteMode{})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if _, err := rt.entries.Advance(ctx, id, status); err != nil {
		code := ExitFailure
		if errors.Is(err, entries.ErrStatusRegression) {
			code = ExitCommandError
		}
		return rt.fail(code, "failed to update entry", err)
	}

	row, _, err := rt.entries.Peek(ctx, id)
	if err != nil {
		return rt.fail(ExitFailure, "failed to read entry", err)
	}
	return rt.out.Success(newRowView(row))
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	ChunkSize int
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load entries from a JSON export",
		Long: `Load a JSON array of entries into the replica as synced rows.

Use "-" to read from stdin. Rows are written in chunks; each chunk
commits on its own.

Example:
  ringside import ./entries.json
  curl -s https://example.org/export | ringside import -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.ChunkSize, "chunk-size", 0, "rows per transaction (defaults to sync.chunk_size)")

	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions, path string) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read import file", err)
	}

	var list []entries.Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse import file", err)
	}

	rt, err := openRuntime(cmd, opts.RootOptions, remoteMode{})
	if err != nil {
		return err
	}
	defer rt.Close()

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = rt.cfg.Sync.ChunkSize
	}
	n, err := rt.entries.BatchSetChunked(cmd.Context(), list, chunk)
	if err != nil {
		return rt.fail(ExitFailure, "import failed", err)
	}
	return rt.out.Success(maintenanceReport{Table: rt.entries.Name(), Action: "imported", Rows: n})
}

// NewClassCommand creates the class command.
func NewClassCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "class <class-id>",
		Short: "List a class's entries in running order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd, opts, remoteMode{})
			if err != nil {
				return err
			}
			defer rt.Close()

			list, err := rt.entries.ByClass(cmd.Context(), args[0])
			if err != nil {
				return rt.fail(ExitFailure, "failed to list class", err)
			}
			return rt.out.Success(classReport(list))
		},
	}
}

type classReport []entries.Entry

func (c classReport) renderText(w io.Writer) error {
	if len(c) == 0 {
		_, err := fmt.Fprintln(w, "no entries")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARMBAND\tDOG\tHANDLER\tSTATUS\tRESULT")
	for _, e := range c {
		result := "-"
		if e.IsScored {
			result = e.Qualifying
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Armband, e.CallName, e.Handler, e.Status, result)
	}
	return tw.Flush()
}
