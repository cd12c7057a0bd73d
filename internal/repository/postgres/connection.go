package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/courier/internal/infrastructure/config"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "courier"

// NewPool opens the pool and waits for the database to answer a ping,
// retrying up to cfg.ConnectRetries times.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = uint(max(cfg.ConnectRetries, 1))
	if err := retry.Do(ctx, rc, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", rc.MaxAttempts, err)
	}
	return pool, nil
}

func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConnections)
	pc.MinConns = int32(cfg.MinConnections)
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute
	// Lets pg_stat_activity tell dispatcher claims apart from other clients.
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}
