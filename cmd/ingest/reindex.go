package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"threadline/api/internal/search"
)

func newReindexCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch posts index from Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, closeFn := e.searchService()
			if svc == nil {
				return errors.New("MEILI_URL is not set")
			}
			defer closeFn()

			db, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			sent, err := svc.ReindexFromPG(ctx, search.NewPgFTS(db))
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d posts\n", sent)
			return nil
		},
	}
}
