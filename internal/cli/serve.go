package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ringside/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	RemoteDSN string
	Tenant    string

	// Ready receives the bound listen address once the server accepts
	// connections (for testing).
	Ready chan<- string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the replica to ring-side devices",
		Long: `Serve the local replica over HTTP and keep it in sync.

Ring tablets on the venue network read running orders and record status
changes through the API. When a remote dsn is configured the replica is
synced every sync.interval; expired rows are cleaned and, with
cache.max_bytes set, the cache is trimmed on the same schedule.
Prometheus metrics are exposed at /metrics.

Example:
  ringside serve --addr :8686 --tenant lic-1
  ringside serve --config ./ringside.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().StringVar(&opts.RemoteDSN, "remote-dsn", "", "Postgres connection string (overrides config)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "license key to sync (defaults to sync.tenant)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	rt, err := openRuntime(cmd, opts.RootOptions, remoteMode{optional: true, dsn: opts.RemoteDSN})
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := opts.Addr
	if addr == "" {
		addr = rt.cfg.HTTP.Addr
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = rt.cfg.Sync.Tenant
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	api := &httpapi.Server{
		Entries:  rt.entries,
		Manager:  rt.mgr,
		Gatherer: rt.registry,
		Tenant:   tenant,
		Logger:   rt.logger,
	}
	srv := &http.Server{
		Handler:      api.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		maintain(gctx, rt, tenant, rt.pool != nil || opts.Source != nil)
		return nil
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", rt.entries.Name(), ln.Addr())
	if opts.Ready != nil {
		opts.Ready <- ln.Addr().String()
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped")
	return nil
}

// maintain syncs and trims the cache every sync.interval until ctx ends.
func maintain(ctx context.Context, rt *runtime, tenant string, canSync bool) {
	ticker := time.NewTicker(rt.cfg.Sync.Interval)
	defer ticker.Stop()

	for {
		if canSync {
			res := rt.entries.Sync(ctx, tenant)
			if !res.Success && ctx.Err() == nil {
				rt.logger.Warn("scheduled sync failed", "error", res.Err)
			}
		}
		if n, err := rt.entries.CleanExpired(ctx); err != nil {
			rt.logger.Warn("scheduled clean failed", "error", err)
		} else if n > 0 {
			rt.logger.Info("cleaned expired rows", "rows", n)
		}
		if rt.cfg.Cache.MaxBytes > 0 {
			if _, err := rt.entries.EvictLRU(ctx, rt.cfg.Cache.MaxBytes); err != nil {
				rt.logger.Warn("scheduled eviction failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
