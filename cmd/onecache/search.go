package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the local index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.log.Sync()

			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			query := strings.Join(args, " ")
			hits, err := idx.Search(query, limit)
			if err != nil {
				return err
			}

			if len(hits) == 0 {
				fmt.Println("No results.")
				return nil
			}
			for i, hit := range hits {
				fmt.Printf("%d. %s (%s / %s) [%.3f]\n", i+1, hit.Title, hit.NotebookName, hit.SectionName, hit.Score)
				for _, frags := range hit.Fragments {
					for _, frag := range frags {
						fmt.Printf("   %s\n", frag)
					}
				}
				if hit.SourceURL != "" {
					fmt.Printf("   %s\n", hit.SourceURL)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "maximum number of results")
	return cmd
}
