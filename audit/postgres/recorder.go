// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package postgres persists audit events into Postgres.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/changkun/monsched/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for audit rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Recorder writes audit events into a Postgres table.
type Recorder struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed Recorder using the provided config.
func New(ctx context.Context, cfg Config) (*Recorder, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	r, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// NewWithPool wraps an existing pool, mainly for tests.
func NewWithPool(pool execCloser, table string) (*Recorder, error) {
	if table == "" {
		table = "schedule_events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Recorder{pool: pool, table: table}, nil
}

// EnsureSchema creates the audit table when it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           BIGSERIAL PRIMARY KEY,
			kind         TEXT        NOT NULL,
			run_id       TEXT,
			monitor_id   TEXT        NOT NULL,
			user_id      TEXT        NOT NULL,
			marketplace  TEXT,
			reason       TEXT,
			retry_count  INTEGER     NOT NULL DEFAULT 0,
			occurred_at  TIMESTAMPTZ NOT NULL
		);`, r.table)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Record implements audit.Recorder.
func (r *Recorder) Record(ctx context.Context, e audit.Event) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, run_id, monitor_id, user_id, marketplace, reason, retry_count, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`, r.table)
	_, err := r.pool.Exec(ctx, query,
		string(e.Kind),
		nullable(e.RunID),
		e.MonitorID,
		e.UserID,
		nullable(e.Marketplace),
		nullable(e.Reason),
		e.RetryCount,
		e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Ping checks that the database answers, used by the readiness probe.
func (r *Recorder) Ping(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (r *Recorder) Close() {
	r.pool.Close()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
