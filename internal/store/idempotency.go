package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordBatch claims (device, dataType, idemKey) as persisted with count
// rows. If the key was already claimed by an earlier attempt (§8's
// "ingesting the same batch twice produces the same persisted rows"), it
// returns recorded=false and the record count from that first attempt so
// the caller can skip re-inserting and return the same response.
//
// This standalone form is not used by the ingestion hot path (see
// RecordAndPersistBatch, which claims and inserts in one transaction); it
// remains for callers that only need the claim itself.
func (s *Store) RecordBatch(ctx context.Context, deviceID uuid.UUID, dataType, idemKey string, count int) (recorded bool, priorCount int, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_batches (device_id, data_type, idem_key, record_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, data_type, idem_key) DO NOTHING
	`, deviceID, dataType, idemKey, count)
	if err != nil {
		return false, 0, fmt.Errorf("recording ingest batch: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, count, nil
	}

	var existing int
	err = s.pool.QueryRow(ctx, `
		SELECT record_count FROM ingest_batches
		WHERE device_id = $1 AND data_type = $2 AND idem_key = $3
	`, deviceID, dataType, idemKey).Scan(&existing)
	if err != nil {
		return false, 0, fmt.Errorf("looking up recorded ingest batch: %w", err)
	}
	return false, existing, nil
}

// TxBatch exposes the batch-insert primitives scoped to the transaction
// RecordAndPersistBatch is running. Implementations must only be used for
// the duration of the insert callback they were handed to.
type TxBatch interface {
	InsertLogBatch(ctx context.Context, records []LogRecord) error
	InsertMetricBatch(ctx context.Context, records []MetricSample) error
	InsertProcessBatch(ctx context.Context, records []ProcessRecord) error
	InsertCommandBatch(ctx context.Context, records []CommandRecord) error
}

type txBatch struct {
	tx pgx.Tx
}

func (b *txBatch) InsertLogBatch(ctx context.Context, records []LogRecord) error {
	return insertLogBatch(ctx, b.tx, records)
}
func (b *txBatch) InsertMetricBatch(ctx context.Context, records []MetricSample) error {
	return insertMetricBatch(ctx, b.tx, records)
}
func (b *txBatch) InsertProcessBatch(ctx context.Context, records []ProcessRecord) error {
	return insertProcessBatch(ctx, b.tx, records)
}
func (b *txBatch) InsertCommandBatch(ctx context.Context, records []CommandRecord) error {
	return insertCommandBatch(ctx, b.tx, records)
}

// RecordAndPersistBatch claims (device, dataType, idemKey) and, only if
// newly claimed, runs insert against the same transaction before
// committing. A failure anywhere in insert rolls back the claim along with
// it, so a client retrying an identical batch after a partial failure finds
// no stale claim and the rows land on the retry — the claim and the data
// it describes are never allowed to diverge.
func (s *Store) RecordAndPersistBatch(ctx context.Context, deviceID uuid.UUID, dataType, idemKey string, count int, insert func(ctx context.Context, batch TxBatch) error) (recorded bool, priorCount int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ingest_batches (device_id, data_type, idem_key, record_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, data_type, idem_key) DO NOTHING
	`, deviceID, dataType, idemKey, count)
	if err != nil {
		return false, 0, fmt.Errorf("recording ingest batch: %w", err)
	}

	if tag.RowsAffected() != 1 {
		var existing int
		if err := tx.QueryRow(ctx, `
			SELECT record_count FROM ingest_batches
			WHERE device_id = $1 AND data_type = $2 AND idem_key = $3
		`, deviceID, dataType, idemKey).Scan(&existing); err != nil {
			return false, 0, fmt.Errorf("looking up recorded ingest batch: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, 0, fmt.Errorf("committing ingest batch lookup: %w", err)
		}
		return false, existing, nil
	}

	if err := insert(ctx, &txBatch{tx: tx}); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("committing ingest batch: %w", err)
	}
	return true, count, nil
}
