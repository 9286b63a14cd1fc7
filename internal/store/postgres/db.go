// Package postgres provides Postgres-backed persistence for targets, crawl
// history and the canonical directory.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the query surface the stores need. *pgxpool.Pool, pgx.Tx and
// pgxmock pools all satisfy it, so the same store types serve production,
// transactional views and tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pgx connection pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
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
	return pool, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS crawl_targets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		region TEXT NOT NULL,
		source TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		queries TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		crawl_count INTEGER NOT NULL DEFAULT 0,
		retry_attempts INTEGER NOT NULL DEFAULT 0,
		last_crawled_at TIMESTAMPTZ,
		last_status TEXT NOT NULL DEFAULT 'none',
		next_crawl_at TIMESTAMPTZ,
		max_results INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_targets_next_crawl_at
		ON crawl_targets (next_crawl_at) WHERE active`,
	`CREATE TABLE IF NOT EXISTS crawl_history (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL REFERENCES crawl_targets (id) ON DELETE CASCADE,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		found INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		error_text TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_history_target
		ON crawl_history (target_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS cafes (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		region TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		rating DOUBLE PRECISION NOT NULL DEFAULT 0,
		review_count INTEGER NOT NULL DEFAULT 0,
		opening_hours TEXT NOT NULL DEFAULT '',
		external_ids TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_verified_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cafes_external_ids ON cafes USING GIN (external_ids)`,
	`CREATE INDEX IF NOT EXISTS idx_cafes_name_region ON cafes (lower(name), region)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		cafe_id TEXT NOT NULL REFERENCES cafes (id) ON DELETE CASCADE,
		author TEXT NOT NULL DEFAULT '',
		rating DOUBLE PRECISION NOT NULL DEFAULT 0,
		text TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_cafe ON reviews (cafe_id)`,
	`CREATE TABLE IF NOT EXISTS photos (
		id TEXT PRIMARY KEY,
		cafe_id TEXT NOT NULL REFERENCES cafes (id) ON DELETE CASCADE,
		path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_photos_cafe ON photos (cafe_id)`,
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_games_name ON games (lower(name))`,
	`CREATE INDEX IF NOT EXISTS idx_games_external_id ON games (external_id) WHERE external_id <> ''`,
	`CREATE TABLE IF NOT EXISTS cafe_games (
		cafe_id TEXT NOT NULL REFERENCES cafes (id) ON DELETE CASCADE,
		game_id TEXT NOT NULL REFERENCES games (id) ON DELETE CASCADE,
		last_verified_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (cafe_id, game_id)
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
