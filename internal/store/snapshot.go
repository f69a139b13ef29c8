// Package store persists PriceEstimate snapshots to PostgreSQL via pgx, the
// optional C7 "Snapshot persistence" component SPEC_FULL.md calls out. It is
// adapted from the teacher's forensics PostgresStore
// (internal/db/postgres.go): same pgxpool connect/ping/close pattern,
// narrowed from a multi-table evidence-graph schema down to one append-only
// snapshot table.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/utxoracle/pkg/models"
)

// SnapshotStore appends PriceEstimate rows for later backtesting/auditing.
// It is entirely optional: the oracle's live pipeline never reads from it,
// only writes.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection and verifies it with a ping, matching
// the teacher's Connect (internal/db/postgres.go).
func Connect(ctx context.Context, connStr string) (*SnapshotStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	return &SnapshotStore{pool: pool}, nil
}

// Close releases the pool.
func (s *SnapshotStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the price_snapshots table if it does not already exist.
// Unlike the teacher's InitSchema, this is inlined SQL rather than a
// separate schema.sql: the table is a single flat structure with no
// migrations to track yet.
func (s *SnapshotStore) InitSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS price_snapshots (
	id              BIGSERIAL PRIMARY KEY,
	estimator       TEXT NOT NULL,
	price           DOUBLE PRECISION NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	contributing_tx INTEGER NOT NULL,
	range_low       DOUBLE PRECISION NOT NULL,
	range_high      DOUBLE PRECISION NOT NULL,
	as_of           TIMESTAMPTZ NOT NULL,
	recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS price_snapshots_as_of_idx ON price_snapshots (as_of);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// SaveEstimate appends one PriceEstimate row.
func (s *SnapshotStore) SaveEstimate(ctx context.Context, estimate models.PriceEstimate) error {
	const stmt = `
INSERT INTO price_snapshots (estimator, price, confidence, contributing_tx, range_low, range_high, as_of)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	asOf := estimate.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	_, err := s.pool.Exec(ctx, stmt,
		estimate.Estimator, estimate.Price, estimate.Confidence,
		estimate.ContributingTx, estimate.RangeLow, estimate.RangeHigh, asOf)
	return err
}
