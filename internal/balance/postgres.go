package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the users table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id       BIGINT         PRIMARY KEY,
    balance_value NUMERIC(14, 2) NOT NULL DEFAULT 0
)`

// Migrate ensures the users table exists. Safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("balance migrate: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

// PostgresStore reads balances from the users table.
//
// All operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and verifies the
// connection. It does not migrate; call [Migrate] or [PostgresStore.Migrate]
// for that.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("balance store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("balance store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("balance store: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate ensures the users table exists.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.pool)
}

// Balance implements Store. NUMERIC values are read as text so no precision
// is lost on the way to speech.
func (s *PostgresStore) Balance(ctx context.Context, userID int64) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT balance_value::text FROM users WHERE user_id = $1`, userID,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("balance store: user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("balance store: query user %d: %w", userID, err)
	}
	return value, nil
}

// Upsert sets the balance of userID, creating the account if needed. value
// must be a decimal literal such as "12.50".
func (s *PostgresStore) Upsert(ctx context.Context, userID int64, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, balance_value) VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET balance_value = EXCLUDED.balance_value`,
		userID, value)
	if err != nil {
		return fmt.Errorf("balance store: upsert user %d: %w", userID, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
