// Package store is the persistence layer: time-partitioned append-only
// tables for logs, metrics, processes, commands, alerts, and incidents,
// plus the mutable device/user/invitation/credential registry.
//
// It is hand-written rather than generated, following the method-per-query
// shape the teacher's sqlc-generated internal/db package exposes to its
// callers (db.Queries / db.DBTX), since the generator output itself was not
// part of the retrieval pack.
package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX abstracts over *pgxpool.Pool and pgx.Tx so queries can run inside or
// outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// copier abstracts over *pgxpool.Pool and pgx.Tx for the CopyFrom-based
// batch inserts, so they can run inside RecordAndPersistBatch's transaction.
type copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store wraps a connection pool and provides every query primitive required
// by the ingestion API, rule engine, ML detector, and credential/identity
// components.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Pool returns the underlying connection pool, for components (migrations,
// health checks) that need direct access.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
