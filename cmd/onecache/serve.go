package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"onecache/internal/cache"
	syncpkg "onecache/internal/sync"
	"onecache/internal/web"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server with the background indexer",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.Addr = addr
			}
			return runServe(a)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(a *app) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	// Jobs left behind by a previous process cannot be resumed.
	if n, err := store.RecoverOrphanedJobs(); err != nil {
		return err
	} else if n > 0 {
		a.log.Warn("marked orphaned sync jobs as failed", zap.Int64("count", n))
	}

	idx, err := a.openIndex()
	if err != nil {
		return err
	}
	defer idx.Close()

	registry, limiter, err := a.newRegistry(store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.newIndexer(idx, store).Run(ctx)

	if a.cfg.Sync.Interval > 0 {
		go runScheduledSync(ctx, registry, a.cfg.Sync.Interval, a.log)
	}

	srv := web.NewServer(a.cfg.Addr, store, registry, idx, limiter, a.cfg.Sync.Freshness, a.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runScheduledSync triggers a smart sync every interval. A scope already
// running a job just skips that tick.
func runScheduledSync(ctx context.Context, registry *syncpkg.Registry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := registry.Submit(ctx, cache.StrategySmart, syncpkg.ScopeAccount, "scheduler")
			if err != nil && !errors.Is(err, syncpkg.ErrScopeBusy) {
				log.Error("scheduled sync failed to start", zap.Error(err))
			}
		}
	}
}
