package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Postgres keeps used ids in the used_token_ids table.
type Postgres struct {
	db    *sql.DB
	clock Clock
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock Clock) PostgresOption {
	return func(s *Postgres) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a Postgres-backed replay store over lib/pq.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	s := &Postgres{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Postgres) Exists(ctx context.Context, id string) (bool, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM used_token_ids WHERE jti = $1`, id).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check replay entry: %w", err)
	}
	return s.clock().Before(expiresAt), nil
}

func (s *Postgres) Store(ctx context.Context, id string, expiresAt time.Time) error {
	if !s.clock().Before(expiresAt) {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO used_token_ids (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET
			expires_at = EXCLUDED.expires_at
	`, id, expiresAt)
	if err != nil {
		return fmt.Errorf("store replay entry: %w", err)
	}
	return nil
}

// MarkUsed inserts the id, or takes over an expired row. Zero rows returned
// means a live row already exists.
func (s *Postgres) MarkUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	now := s.clock()
	if !now.Before(expiresAt) {
		return false, nil
	}
	var jti string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO used_token_ids (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET
			expires_at = EXCLUDED.expires_at
		WHERE used_token_ids.expires_at <= $3
		RETURNING jti
	`, id, expiresAt, now).Scan(&jti)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark replay entry: %w", err)
	}
	return true, nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *Postgres) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM used_token_ids WHERE expires_at <= $1`, s.clock())
	if err != nil {
		return 0, fmt.Errorf("purge replay entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge replay entries: %w", err)
	}
	return int(n), nil
}
