package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Hard-delete tombstoned documents and their image records",
		Long:  "Sync marks remotely deleted pages as tombstones but never removes rows. Purge retracts those pages from the search index, then removes their rows for good.",
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

			// Retract before the rows disappear; a purged row can no
			// longer tell the indexer which chunks to drop.
			indexer := a.newIndexer(idx, store)
			for {
				n, err := indexer.RunOnce(context.Background())
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}

			n, err := store.PurgeDeleted()
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d documents\n", n)
			return nil
		},
	}
}
