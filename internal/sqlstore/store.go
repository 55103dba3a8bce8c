// Package sqlstore holds the pool's relational state: miner balances,
// payment history, pending payouts and operator config rows. The hot
// share path never touches it; only the reward engine and the payout
// pusher do.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/krypton-pool/krypton-pool/internal/util"
)

// Store wraps PostgreSQL operations
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and prepares the schema
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	util.Info("Connected to PostgreSQL")
	return s, nil
}

// NewFromDB wraps an existing database handle (used by tests)
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Health checks database connectivity
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		coin        TEXT    NOT NULL,
		address     TEXT    NOT NULL,
		payment_id  TEXT    NOT NULL DEFAULT '',
		amount      BIGINT  NOT NULL DEFAULT 0,
		locked      BIGINT  NOT NULL DEFAULT 0,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (coin, address, payment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_log (
		id          BIGSERIAL PRIMARY KEY,
		coin        TEXT    NOT NULL,
		address     TEXT    NOT NULL,
		payment_id  TEXT    NOT NULL DEFAULT '',
		amount      BIGINT  NOT NULL,
		block_key   TEXT    NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id          BIGSERIAL PRIMARY KEY,
		coin        TEXT    NOT NULL,
		address     TEXT    NOT NULL,
		payment_id  TEXT    NOT NULL DEFAULT '',
		amount      BIGINT  NOT NULL,
		tx_hash     TEXT    NOT NULL,
		tx_fee      BIGINT  NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS payments_address_idx ON payments (coin, address, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS pending_payouts (
		id          BIGSERIAL PRIMARY KEY,
		coin        TEXT    NOT NULL,
		address     TEXT    NOT NULL,
		payment_id  TEXT    NOT NULL DEFAULT '',
		amount      BIGINT  NOT NULL,
		state       TEXT    NOT NULL DEFAULT 'pending',
		error       TEXT    NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pool_config (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
