package store

import (
	"context"
	"fmt"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// SnapshotRepo persists derived-state snapshots used to bound replay time.
// Retention: the last seven are kept plus one per month; Prune applies it.
type SnapshotRepo struct {
	DB DB
}

func (r *SnapshotRepo) Insert(ctx context.Context, s models.Snapshot) (int64, error) {
	var id int64
	row := r.DB.QueryRow(ctx, `
		INSERT INTO snapshots (partition, ledger_offset, state, created_at)
		VALUES ($1,$2,$3,$4) RETURNING id
	`, s.Partition, s.LedgerOffset, s.State, s.CreatedAt)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", mapError(err))
	}
	return id, nil
}

// Latest returns the most recent snapshot for a partition.
func (r *SnapshotRepo) Latest(ctx context.Context, partition int32) (models.Snapshot, error) {
	var s models.Snapshot
	row := r.DB.QueryRow(ctx, `
		SELECT id, partition, ledger_offset, state, created_at
		FROM snapshots WHERE partition=$1
		ORDER BY ledger_offset DESC, id DESC LIMIT 1
	`, partition)
	if err := row.Scan(&s.ID, &s.Partition, &s.LedgerOffset, &s.State, &s.CreatedAt); err != nil {
		return s, fmt.Errorf("latest snapshot: %w", mapError(err))
	}
	return s, nil
}

// Prune keeps the newest seven snapshots plus the newest per calendar month.
func (r *SnapshotRepo) Prune(ctx context.Context, partition int32) (int64, error) {
	tag, err := r.DB.Exec(ctx, `
		DELETE FROM snapshots WHERE partition=$1 AND id NOT IN (
			SELECT id FROM snapshots WHERE partition=$1 ORDER BY ledger_offset DESC, id DESC LIMIT 7
		) AND id NOT IN (
			SELECT DISTINCT ON (date_trunc('month', created_at)) id
			FROM snapshots WHERE partition=$1
			ORDER BY date_trunc('month', created_at), ledger_offset DESC, id DESC
		)
	`, partition)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}
