package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, dsn string, pool PoolConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS run_summaries (
    id                UUID PRIMARY KEY,
    created_at        TIMESTAMPTZ NOT NULL,
    name              TEXT NOT NULL,
    seed              BIGINT NOT NULL,
    band              TEXT NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    finished_at       TIMESTAMPTZ NOT NULL,
    simulated_time    BIGINT NOT NULL,
    gateways          TEXT[] NOT NULL DEFAULT '{}',
    devices           INTEGER NOT NULL,
    beacons_broadcast BIGINT NOT NULL,
    beacons_blocked   BIGINT NOT NULL,
    multicast_sent    BIGINT NOT NULL,
    unicast_sent      BIGINT NOT NULL,
    details           JSONB
);

CREATE TABLE IF NOT EXISTS event_logs (
    id         UUID PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    run_id     UUID NOT NULL,
    kind       TEXT NOT NULL,
    level      TEXT NOT NULL,
    subject    TEXT NOT NULL,
    sim_time   BIGINT NOT NULL,
    data       JSONB
);

CREATE INDEX IF NOT EXISTS event_logs_run_time_idx ON event_logs (run_id, sim_time);
CREATE INDEX IF NOT EXISTS event_logs_subject_idx ON event_logs (subject);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.getDB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *PostgresStore) BeginTx(ctx context.Context) (Store, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: s.db, tx: tx}, nil
}

// Commit commits the transaction
func (s *PostgresStore) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *PostgresStore) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
}

// getDB returns tx if in transaction, otherwise db
func (s *PostgresStore) getDB() interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}
