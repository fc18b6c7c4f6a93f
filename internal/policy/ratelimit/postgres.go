package ratelimit

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStoreConfig controls the connection pool used for shared counters.
type PostgresStoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type queryExecCloser interface {
	QueryRow(context.Context, string, ...any) pgx.Row
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresStore keeps windows in a table so several schedulers share one quota.
//
//	CREATE TABLE rate_limits (
//		key      TEXT PRIMARY KEY,
//		count    BIGINT NOT NULL,
//		reset_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool  queryExecCloser
	table string
	now   func() time.Time
}

// NewPostgresStore connects to cfg.DSN.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("rate_limit.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewPostgresStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPostgresStoreWithPool(pool queryExecCloser, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "rate_limits"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStore{pool: pool, table: table, now: time.Now}, nil
}

// Increment upserts key. An expired window restarts at 1; a full window stays at
// limit+1 so the caller can tell it was rejected.
func (s *PostgresStore) Increment(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error) {
	now := s.now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %[1]s AS t (key, count, reset_at)
VALUES ($1, 1, $3)
ON CONFLICT (key) DO UPDATE SET
	count = CASE WHEN t.reset_at <= $2 THEN 1 ELSE LEAST(t.count + 1, $4 + 1) END,
	reset_at = CASE WHEN t.reset_at <= $2 THEN $3 ELSE t.reset_at END
RETURNING count, reset_at`, s.table)

	var (
		count   int64
		resetAt time.Time
	)
	if err := s.pool.QueryRow(ctx, query, key, now, now.Add(window), limit).Scan(&count, &resetAt); err != nil {
		return Counter{}, fmt.Errorf("increment rate limit: %w", err)
	}
	allowed := count <= limit
	if !allowed {
		count = limit
	}
	return Counter{Count: count, ResetAt: resetAt, Allowed: allowed}, nil
}

// Reset deletes key's row.
func (s *PostgresStore) Reset(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("delete rate limit: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
