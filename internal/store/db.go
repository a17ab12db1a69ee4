package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig sizes the shared connection pool. Reads dominate, so the pool
// is sized to the enrichment fan-out rather than to request concurrency.
type PoolConfig struct {
	MaxOpen int
	MaxIdle int
	// ApplicationName shows up in pg_stat_activity; defaults to "threadline".
	ApplicationName string
}

func Open(ctx context.Context, databaseURL string, pool PoolConfig) (*sql.DB, error) {
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if pool.ApplicationName == "" {
		pool.ApplicationName = "threadline"
	}
	if _, set := connConfig.RuntimeParams["application_name"]; !set {
		connConfig.RuntimeParams["application_name"] = pool.ApplicationName
	}
	db := stdlib.OpenDB(*connConfig)

	if pool.MaxOpen <= 0 {
		pool.MaxOpen = 20
	}
	if pool.MaxIdle <= 0 || pool.MaxIdle > pool.MaxOpen {
		pool.MaxIdle = pool.MaxOpen / 2
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
