package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/argusmon/argus/internal/config"
)

// NewPool opens a pgx connection pool with the configured sizing.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Pool.MaxConns)
	poolCfg.MinConns = int32(cfg.Pool.MinConns)
	poolCfg.MaxConnLifetime = cfg.Pool.MaxConnLifetime()
	poolCfg.MaxConnIdleTime = cfg.Pool.MaxConnIdleTime()
	poolCfg.HealthCheckPeriod = cfg.Pool.HealthCheckPeriod()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations runs all pending database migrations using embedded SQL files.
// The migrations are compiled into the binary and don't require external files.
func RunMigrations(pool *pgxpool.Pool) error {
	// Configure goose to use the embedded filesystem
	goose.SetBaseFS(EmbeddedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	// goose works against database/sql; borrow a stdlib view of the pool
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	// Run migrations from the embedded "migrations" directory
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}

	return nil
}
