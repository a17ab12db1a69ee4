package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"threadline/api/internal/ingest"
	"threadline/api/internal/profile"
	"threadline/api/internal/store"
)

func newLoadCmd(e *env) *cobra.Command {
	var batchSize int
	var index bool
	cmd := &cobra.Command{
		Use:   "load [file...]",
		Short: "Append exported NDJSON message logs to the store (reads stdin without files)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := e.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			opts := ingest.Options{BatchSize: batchSize, Logger: e.logger}
			if index {
				if svc, closeFn := e.searchService(); svc != nil {
					defer closeFn()
					opts.Indexer = svc
				}
			}
			if strings.TrimSpace(e.cfg.RedisURL) != "" {
				cache, err := profile.NewRedisCache(e.cfg.RedisURL, e.cfg.ProfileTTL)
				if err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				defer cache.Close()
				opts.Invalidator = cache
			}
			loader := ingest.NewLoader(store.NewPostgresStore(db), opts)

			sources := args
			if len(sources) == 0 {
				sources = []string{"-"}
			}
			var total ingest.Stats
			for _, source := range sources {
				stats, err := loadSource(cmd, loader, source)
				if err != nil {
					return err
				}
				total.Lines += stats.Lines
				total.Appended += stats.Appended
				total.Invalid += stats.Invalid
				total.Indexed += stats.Indexed
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(total)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 500, "posts per search indexing batch")
	cmd.Flags().BoolVar(&index, "index", true, "send loaded posts to Meilisearch")
	return cmd
}

func loadSource(cmd *cobra.Command, loader *ingest.Loader, source string) (ingest.Stats, error) {
	var r io.Reader = cmd.InOrStdin()
	if source != "-" {
		f, err := os.Open(source)
		if err != nil {
			return ingest.Stats{}, fmt.Errorf("open %s: %w", source, err)
		}
		defer f.Close()
		r = f
	}
	stats, err := loader.Load(cmd.Context(), r)
	if err != nil {
		return stats, fmt.Errorf("load %s: %w", source, err)
	}
	return stats, nil
}
