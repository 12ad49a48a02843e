package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/entries"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	ClassID string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print entries whenever they change",
		Long: `Print the entries table, or one class with --class, and reprint it
whenever it changes. Bursts of changes are coalesced. Press Ctrl-C to stop.

Example:
  ringside watch --class novice-a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ClassID, "class", "", "only show entries in this class")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	rt, err := openRuntime(cmd, opts.RootOptions, remoteMode{})
	if err != nil {
		return err
	}
	defer rt.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	snapshots := make(chan []entries.Entry, 1)
	unsubscribe := rt.entries.Subscribe(func(list []entries.Entry) {
		// Keep only the newest snapshot when the printer falls behind
		select {
		case <-snapshots:
		default:
		}
		snapshots <- list
	})
	defer unsubscribe()

	for {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, stopping watch", "signal", sig)
			return nil
		case <-ctx.Done():
			return nil
		case list := <-snapshots:
			if err := rt.out.Success(classReport(filterClass(list, opts.ClassID))); err != nil {
				return WrapExitError(ExitFailure, "failed to write output", err)
			}
		}
	}
}

func filterClass(list []entries.Entry, classID string) []entries.Entry {
	out := make([]entries.Entry, 0, len(list))
	for _, e := range list {
		if classID == "" || e.ClassID == classID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ClassID != out[j].ClassID {
			return out[i].ClassID < out[j].ClassID
		}
		if out[i].Armband != out[j].Armband {
			return out[i].Armband < out[j].Armband
		}
		return out[i].ID < out[j].ID
	})
	return out
}
