// Package postgres opens the two Postgres handles phoenix uses: a pgx pool for
// the tenant/identity/grant directory and a database/sql handle (lib/pq) for
// the replay table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"phoenix/internal/platform/config"
)

// NewPool connects a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenDB opens a database/sql handle over lib/pq.
func OpenDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Schema creates the tables phoenix owns. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	secret_hash     TEXT NOT NULL DEFAULT '',
	redirect_uri    TEXT NOT NULL DEFAULT '',
	allowed_roles   BIGINT NOT NULL DEFAULT 0,
	required_scopes TEXT NOT NULL DEFAULT '',
	grant_types     TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS identities (
	id              TEXT PRIMARY KEY,
	username        TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL,
	roles           BIGINT NOT NULL DEFAULT 0,
	provided_scopes TEXT NOT NULL DEFAULT '',
	totp_secret     TEXT NOT NULL DEFAULT '',
	totp_enabled    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS grants (
	tenant_id       TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
	identity_id     TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	approved_scopes TEXT NOT NULL,
	issued_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, identity_id)
);

CREATE TABLE IF NOT EXISTS used_token_ids (
	jti        TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS used_token_ids_expires_at_idx ON used_token_ids (expires_at);
`

// Migrate applies Schema through the pgx pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
