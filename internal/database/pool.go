package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/termsync/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema creates the tables termsync writes to.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS account_uptime (
		instance_id          TEXT             NOT NULL,
		account_id           TEXT             NOT NULL,
		sampled_at           TIMESTAMPTZ      NOT NULL,
		connected            BOOLEAN          NOT NULL,
		connected_to_broker  BOOLEAN          NOT NULL,
		replicas             INTEGER          NOT NULL,
		uptime_1h            DOUBLE PRECISION,
		uptime_1d            DOUBLE PRECISION,
		uptime_1w            DOUBLE PRECISION,
		PRIMARY KEY (instance_id, account_id, sampled_at)
	)`,
	`CREATE INDEX IF NOT EXISTS account_uptime_account_idx ON account_uptime (account_id, sampled_at DESC)`,
}

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
