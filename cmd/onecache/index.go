package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func indexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Drain the indexing feed and exit",
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

			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			indexer := a.newIndexer(idx, store)
			total := 0
			for {
				n, err := indexer.RunOnce(ctx)
				total += n
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}

			count, err := idx.Count()
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d documents (%d chunks total)\n", total, count)
			return nil
		},
	}
}
