package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// MandateRepo persists execution mandates and their delegation links.
type MandateRepo struct {
	DB DB
}

const mandateColumns = `id, issuer, subject, resources, actions, not_before_ms, not_after_ms,
	parent_id, depth, intent_hash, signature, created_ms, revoked_at_ms, revoked_reason, revoked_by`

func (r *MandateRepo) Create(ctx context.Context, m models.ExecutionMandate) error {
	var intentHash *string
	if m.IntentHash != "" {
		intentHash = &m.IntentHash
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO mandates (id, issuer, subject, resources, actions, not_before_ms, not_after_ms,
			parent_id, depth, intent_hash, signature, created_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.Issuer, m.Subject, m.Resources, m.Actions, m.NotBeforeMS, m.NotAfterMS,
		m.ParentID, m.Depth, intentHash, m.Signature, m.CreatedMS)
	if err != nil {
		return fmt.Errorf("insert mandate: %w", mapError(err))
	}
	return nil
}

func (r *MandateRepo) Get(ctx context.Context, id uuid.UUID) (models.ExecutionMandate, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE id=$1`, id)
	return scanMandate(row)
}

// GetWithChain loads a mandate and its ancestors, leaf first, root last.
// The chain length is bounded by the policy's max delegation depth at issue
// time; the cycle guard is defense against corrupted parent links.
func (r *MandateRepo) GetWithChain(ctx context.Context, id uuid.UUID) ([]models.ExecutionMandate, error) {
	var chain []models.ExecutionMandate
	seen := map[uuid.UUID]struct{}{}
	next := &id
	for next != nil {
		if _, ok := seen[*next]; ok {
			return nil, fmt.Errorf("mandate chain cycle at %s", *next)
		}
		seen[*next] = struct{}{}
		m, err := r.Get(ctx, *next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		next = m.ParentID
	}
	return chain, nil
}

// Children returns the direct delegations of a mandate.
func (r *MandateRepo) Children(ctx context.Context, id uuid.UUID) ([]models.ExecutionMandate, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE parent_id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("mandate children: %w", mapError(err))
	}
	defer rows.Close()
	var out []models.ExecutionMandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveBySubject lists unrevoked mandates granted to a subject.
func (r *MandateRepo) ActiveBySubject(ctx context.Context, subject uuid.UUID) ([]models.ExecutionMandate, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+mandateColumns+` FROM mandates
		WHERE subject=$1 AND revoked_at_ms IS NULL
		ORDER BY created_ms DESC
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("mandates by subject: %w", mapError(err))
	}
	defer rows.Close()
	var out []models.ExecutionMandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRevoked records the one-way revocation transition. Returns ErrConflict
// if the mandate is already revoked.
func (r *MandateRepo) MarkRevoked(ctx context.Context, id uuid.UUID, rev models.Revocation) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE mandates SET revoked_at_ms=$2, revoked_reason=$3, revoked_by=$4
		WHERE id=$1 AND revoked_at_ms IS NULL
	`, id, rev.AtMS, rev.Reason, rev.Revoker)
	if err != nil {
		return fmt.Errorf("revoke mandate: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mandates WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("revoke mandate lookup: %w", mapError(err))
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func scanMandate(row pgx.Row) (models.ExecutionMandate, error) {
	var (
		m          models.ExecutionMandate
		intentHash *string
		revokedAt  *int64
		revokedWhy *string
		revokedBy  *uuid.UUID
	)
	err := row.Scan(&m.ID, &m.Issuer, &m.Subject, &m.Resources, &m.Actions, &m.NotBeforeMS,
		&m.NotAfterMS, &m.ParentID, &m.Depth, &intentHash, &m.Signature, &m.CreatedMS,
		&revokedAt, &revokedWhy, &revokedBy)
	if err != nil {
		return m, fmt.Errorf("scan mandate: %w", mapError(err))
	}
	if intentHash != nil {
		m.IntentHash = *intentHash
	}
	if revokedAt != nil {
		rev := models.Revocation{AtMS: *revokedAt}
		if revokedWhy != nil {
			rev.Reason = *revokedWhy
		}
		if revokedBy != nil {
			rev.Revoker = *revokedBy
		}
		m.Revoked = &rev
	}
	return m, nil
}
