// Package postgres persists task execution results to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ExecutionStoreConfig controls the Postgres connection pool used for execution rows.
type ExecutionStoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"execution_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ExecutionStore writes one row per task attempt.
type ExecutionStore struct {
	pool  execCloser
	table string
}

// NewExecutionStore creates a Postgres-backed ExecutionStore using the provided config.
func NewExecutionStore(ctx context.Context, cfg ExecutionStoreConfig) (*ExecutionStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewExecutionStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewExecutionStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewExecutionStoreWithPool(pool execCloser, table string) (*ExecutionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "task_executions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ExecutionStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ExecutionStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreResult inserts an execution row. Re-delivery of the same result id is a no-op.
func (s *ExecutionStore) StoreResult(ctx context.Context, res scrape.TaskResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("execution store is not configured")
	}
	if res.ID == "" {
		return fmt.Errorf("result id is required")
	}
	artifacts, err := json.Marshal(normalizeArtifacts(res.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	timings, err := json.Marshal(res.Timings)
	if err != nil {
		return fmt.Errorf("marshal timings: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	task_id,
	attempt,
	status,
	success,
	pages,
	records,
	bytes,
	artifacts,
	error_class,
	error,
	proxy,
	will_retry,
	started_at,
	finished_at,
	timings
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
) ON CONFLICT (id) DO NOTHING`, s.table)

	args := []any{
		res.ID,
		res.TaskID,
		res.Attempt,
		string(res.Status),
		res.Success,
		res.Pages,
		res.Records,
		res.Bytes,
		artifacts,
		string(res.ErrorClass),
		res.Error,
		res.Proxy,
		res.WillRetry,
		res.StartedAt,
		res.FinishedAt,
		timings,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func normalizeArtifacts(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	return in
}
