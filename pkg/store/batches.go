package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// BatchRepo persists sealed Merkle batches.
type BatchRepo struct {
	DB DB
}

const batchColumns = `batch_id, partition, first_event_id, last_event_id, root_hash, signing_key_id, signature, created_ms`

// NextBatchID allocates the next batch id for a partition.
func (r *BatchRepo) NextBatchID(ctx context.Context, partition int32) (int64, error) {
	var id int64
	row := r.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(batch_id), 0) + 1 FROM merkle_batches WHERE partition=$1
	`, partition)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate batch id: %w", mapError(err))
	}
	return id, nil
}

func (r *BatchRepo) Insert(ctx context.Context, b models.MerkleBatch) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO merkle_batches (`+batchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.BatchID, b.Partition, b.FirstEventID, b.LastEventID, b.RootHash,
		b.SigningKeyID, b.Signature, b.CreatedMS)
	if err != nil {
		return fmt.Errorf("insert batch: %w", mapError(err))
	}
	return nil
}

func (r *BatchRepo) Get(ctx context.Context, partition int32, batchID int64) (models.MerkleBatch, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches WHERE partition=$1 AND batch_id=$2
	`, partition, batchID)
	return scanBatch(row)
}

// ForEvent returns the sealed batch covering an event id.
func (r *BatchRepo) ForEvent(ctx context.Context, partition int32, eventID int64) (models.MerkleBatch, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches
		WHERE partition=$1 AND first_event_id <= $2 AND last_event_id >= $2
	`, partition, eventID)
	return scanBatch(row)
}

// InRange lists sealed batches intersecting the id range, in batch order.
func (r *BatchRepo) InRange(ctx context.Context, partition int32, first, last int64) ([]models.MerkleBatch, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+batchColumns+` FROM merkle_batches
		WHERE partition=$1 AND last_event_id >= $2 AND first_event_id <= $3
		ORDER BY batch_id
	`, partition, first, last)
	if err != nil {
		return nil, fmt.Errorf("batches in range: %w", mapError(err))
	}
	defer rows.Close()
	var out []models.MerkleBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SealedHigh returns the last event id covered by any sealed batch.
func (r *BatchRepo) SealedHigh(ctx context.Context, partition int32) (int64, error) {
	var high int64
	row := r.DB.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_event_id), 0) FROM merkle_batches WHERE partition=$1
	`, partition)
	if err := row.Scan(&high); err != nil {
		return 0, fmt.Errorf("sealed high-water mark: %w", mapError(err))
	}
	return high, nil
}

func scanBatch(row pgx.Row) (models.MerkleBatch, error) {
	var b models.MerkleBatch
	err := row.Scan(&b.BatchID, &b.Partition, &b.FirstEventID, &b.LastEventID,
		&b.RootHash, &b.SigningKeyID, &b.Signature, &b.CreatedMS)
	if err != nil {
		return b, fmt.Errorf("scan batch: %w", mapError(err))
	}
	return b, nil
}
