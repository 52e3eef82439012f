package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	journalAppName       = "tsdocs-journal"
	journalConnIdle      = 5 * time.Minute
	journalHealthCheck   = 30 * time.Second
	journalPingTimeout   = 3 * time.Second
	journalSchemaDefault = "tsdocs"
)

// journalPoolConfig parses TSDOCS_DATABASE_URL and applies the journal's pool
// limits. The journal writes one row at a time from a single goroutine, so it
// keeps few connections and lets idle ones go quickly.
func journalPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse TSDOCS_DATABASE_URL: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = journalConnIdle
	pcfg.HealthCheckPeriod = journalHealthCheck

	params := pcfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = journalAppName
	}
	schema := cfg.DBSchema
	if schema == "" {
		schema = journalSchemaDefault
	}
	if params["search_path"] == "" {
		params["search_path"] = schema + ",public"
	}
	return pcfg, nil
}

// openJournalPool connects the Postgres journal sink and fails fast when the
// database is unreachable.
func openJournalPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := journalPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("journal pool: %w", err)
	}
	if err := PingDB(ctx, pool, journalPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal pool: %w", err)
	}
	return pool, nil
}

// PingDB reports whether a connection can be acquired within timeout. The
// readiness probe uses it so a stalled journal database shows up in /readyz.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
