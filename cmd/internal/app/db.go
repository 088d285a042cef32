package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The session store issues a handful of short queries per login or logout,
// so the client keeps a small, mostly idle pool.
const (
	clientMaxConns     = 4
	clientIdleTime     = 5 * time.Minute
	clientHealthPeriod = time.Minute
	clientConnectPing  = 3 * time.Second
)

// NewDBPool opens the pool backing the postgres session store and checks
// connectivity. The table is created by store.Postgres.EnsureSchema.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, clientConnectPing); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func poolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	pcfg.MaxConns = clientMaxConns
	if cfg.DBMaxConns > 0 && cfg.DBMaxConns < clientMaxConns {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = 0
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = min(cfg.DBMinConns, pcfg.MaxConns)
	}
	pcfg.MaxConnIdleTime = clientIdleTime
	pcfg.HealthCheckPeriod = clientHealthPeriod

	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "bidwatch"
	}
	return pcfg, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
