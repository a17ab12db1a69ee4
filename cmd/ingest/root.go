package main

import (
	"context"
	"database/sql"
	"strings"

	"github.com/spf13/cobra"

	"threadline/api/internal/config"
	"threadline/api/internal/logging"
	"threadline/api/internal/search"
	"threadline/api/internal/store"
)

type env struct {
	cfg    config.Config
	logger logging.Logger
}

func newRootCmd() *cobra.Command {
	e := &env{}
	var logLevel string

	rootCmd := &cobra.Command{
		Use:           "threadline-ingest",
		Short:         "Load message logs, search indexes and blobs into threadline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			boot := logging.NewLoggerWithService("threadline-ingest", "info")
			config.LoadEnv(boot)
			e.cfg = config.Load()
			if logLevel == "" {
				logLevel = e.cfg.LogLevel
			}
			e.logger = logging.NewLoggerWithService("threadline-ingest", logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (defaults to LOG_LEVEL)")

	rootCmd.AddCommand(newLoadCmd(e))
	rootCmd.AddCommand(newReindexCmd(e))
	rootCmd.AddCommand(newBlobsCmd(e))
	return rootCmd
}

// openDB connects to Postgres and brings the schema up to date.
func (e *env) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := store.Open(ctx, e.cfg.DatabaseURL, store.PoolConfig{ApplicationName: "threadline-ingest"})
	if err != nil {
		return nil, err
	}
	if _, err := store.ApplyMigrations(ctx, db, e.cfg.MigrationsDir, e.logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// searchService returns nil when Meilisearch is not configured.
func (e *env) searchService() (*search.Service, func()) {
	if strings.TrimSpace(e.cfg.MeiliURL) == "" {
		return nil, func() {}
	}
	meili := search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey, e.logger)
	return search.NewService(meili, nil, e.logger), meili.Close
}
