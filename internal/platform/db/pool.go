package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions sizes the pool. A MinConns above MaxConns is clamped.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
	// AppName is reported as application_name unless the URL sets one.
	AppName string
}

// Listeners hold a connection for the life of the feed, so idle connections
// are recycled well before typical proxy timeouts.
const (
	poolHealthCheck = 30 * time.Second
	poolMaxIdle     = 5 * time.Minute
)

func poolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = min(opts.MinConns, cfg.MaxConns)
	cfg.HealthCheckPeriod = poolHealthCheck
	cfg.MaxConnIdleTime = poolMaxIdle
	if opts.AppName != "" && cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}
	return cfg, nil
}

// NewPool opens a pool and pings it so a bad DATABASE_URL fails at startup.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
