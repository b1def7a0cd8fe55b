package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetStats(a.cfg.Sync.Freshness, 24*time.Hour)
			if err != nil {
				return err
			}

			fmt.Printf("Documents:        %d\n", stats.TotalDocuments)
			fmt.Printf("Images:           %d\n", stats.TotalImages)
			fmt.Printf("Awaiting index:   %d\n", stats.UnindexedCount)
			fmt.Printf("Stale:            %d\n", stats.StaleCount)
			fmt.Printf("Tombstoned:       %d\n", stats.DeletedCount)
			fmt.Printf("Recent failures:  %d\n", stats.RecentFailureCount)
			fmt.Printf("Last full sync:   %s\n", formatSyncTime(stats.LastFullSync))
			fmt.Printf("Last incremental: %s\n", formatSyncTime(stats.LastIncrementalSync))
			return nil
		},
	}
}

func formatSyncTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Format(time.RFC3339), time.Since(*t).Round(time.Second))
}
