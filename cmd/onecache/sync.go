package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"onecache/internal/cache"
)

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			strategyFlag, _ := cmd.Flags().GetString("strategy")
			strategy := cache.Strategy(strategyFlag)
			switch strategy {
			case cache.StrategyFull, cache.StrategyIncremental, cache.StrategySmart:
			default:
				return fmt.Errorf("invalid strategy %q (want full, incremental or smart)", strategyFlag)
			}
			scope, _ := cmd.Flags().GetString("scope")

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			registry, _, err := a.newRegistry(store)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			job, err := registry.RunBlocking(ctx, strategy, scope, "cli")
			if err != nil {
				return err
			}

			elapsed := time.Duration(0)
			if job.CompletedAt != nil {
				elapsed = job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond)
			}
			fmt.Printf("Sync %s (%s, scope %s) in %s\n", job.Status, job.Strategy, job.Scope, elapsed)
			fmt.Printf("  fetched: %d  added: %d  updated: %d  deleted: %d  skipped: %d\n",
				job.Fetched, job.Added, job.Updated, job.Deleted, job.Skipped)
			fmt.Printf("  api calls: %d  errors: %d\n", job.APICallsMade, job.ErrorCount)
			if job.LastError != "" {
				fmt.Printf("  last error: %s\n", job.LastError)
			}

			if job.Status != cache.JobSucceeded {
				return fmt.Errorf("sync %s", job.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("strategy", string(cache.StrategySmart), "sync strategy: full, incremental or smart")
	cmd.Flags().String("scope", "", "notebook ID to sync (default: whole account)")
	return cmd
}
