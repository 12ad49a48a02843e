package cli

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/config"
	"github.com/roach88/ringside/internal/entries"
	"github.com/roach88/ringside/internal/metrics"
	"github.com/roach88/ringside/internal/remote/pgremote"
	"github.com/roach88/ringside/internal/replica"
	"github.com/roach88/ringside/internal/store"
)

// runtime is everything a command needs to work with the replica.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	mgr      *store.Manager
	entries  *entries.Table
	pool     *pgxpool.Pool
	out      *OutputFormatter
}

// remoteMode selects whether a command needs the remote source.
type remoteMode struct {
	required bool
	optional bool   // connect only when a dsn is configured
	dsn      string // overrides remote.dsn when set
}

func openRuntime(cmd *cobra.Command, opts *RootOptions, remote remoteMode) (*runtime, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if remote.dsn != "" {
		cfg.Remote.DSN = remote.dsn
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
	}
	rt.metrics = metrics.New(rt.registry)

	src := opts.Source
	if src == nil && (remote.required || (remote.optional && cfg.Remote.DSN != "")) {
		if cfg.Remote.DSN == "" {
			return nil, NewExitError(ExitCommandError, "remote dsn is required (--remote-dsn, remote.dsn or "+config.EnvRemoteDSN+")")
		}
		pool, err := pgremote.Connect(ctx, cfg.Remote.DSN)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to connect to remote", err)
		}
		rt.pool = pool
		src = pgremote.NewEntrySource(pool,
			pgremote.WithPageSize(cfg.Remote.PageSize),
			pgremote.WithLogger(logger))
	}

	logger.Debug("opening database", "path", cfg.Storage.Path)
	rt.mgr = store.NewManager(cfg.Storage.Path, cfg.ManagerOptions(logger, rt.metrics)...)

	tableOpts := cfg.TableOptions(logger, rt.metrics)
	tableOpts = append(tableOpts,
		replica.WithClock(opts.Clock),
		replica.WithIDGenerator(opts.IDs),
		replica.WithMutationHook(replica.MutationHookFunc(func(_ context.Context, m store.PendingMutation) {
			logger.Debug("mutation queued", "table", m.TableName, "row", m.RowID, "mutation", m.ID)
		})),
	)

	rt.entries, err = entries.Open(ctx, rt.mgr, src, tableOpts...)
	if err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return rt, nil
}

// Close releases the table, the database and the remote pool.
func (rt *runtime) Close() {
	if rt.entries != nil {
		rt.entries.Close()
	}
	if rt.mgr != nil {
		if err := rt.mgr.Close(); err != nil {
			rt.logger.Error("error closing database", "error", err)
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

// fail reports err through the formatter and returns it with an exit code.
func (rt *runtime) fail(code int, message string, err error) error {
	details := any(nil)
	if err != nil {
		details = err.Error()
	}
	if outErr := rt.out.Error(ErrorCode(err), message, details); outErr != nil {
		rt.logger.Error("failed to write error output", "error", outErr)
	}
	return WrapExitError(code, message, err)
}
