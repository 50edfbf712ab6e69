package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// PolicyRepo persists authority policies. A partial unique index on
// (principal_id) WHERE active enforces the single-active-policy rule; prior
// versions stay as history.
type PolicyRepo struct {
	DB DB
}

const policyColumns = `id, principal_id, resources, actions, max_validity_ms, max_delegation_depth, allow_delegation, active, version, created_at`

// SetActive deactivates the current policy, if any, and inserts the new one
// with the next version number, in the caller's transaction.
func (r *PolicyRepo) SetActive(ctx context.Context, p models.AuthorityPolicy) (models.AuthorityPolicy, error) {
	var prevVersion int
	row := r.DB.QueryRow(ctx, `
		UPDATE authority_policies SET active=false
		WHERE principal_id=$1 AND active
		RETURNING version
	`, p.PrincipalID)
	if err := row.Scan(&prevVersion); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("deactivate policy: %w", mapError(err))
	}
	p.Version = prevVersion + 1
	p.Active = true
	_, err := r.DB.Exec(ctx, `
		INSERT INTO authority_policies (`+policyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.PrincipalID, p.Resources, p.Actions, p.MaxValidityMS, p.MaxDelegationDepth,
		p.AllowDelegation, p.Active, p.Version, p.CreatedAt)
	if err != nil {
		return p, fmt.Errorf("insert policy: %w", mapError(err))
	}
	return p, nil
}

// GetActive is the evaluator hot-path policy lookup.
func (r *PolicyRepo) GetActive(ctx context.Context, principalID uuid.UUID) (models.AuthorityPolicy, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+policyColumns+`
		FROM authority_policies WHERE principal_id=$1 AND active
	`, principalID)
	return scanPolicy(row)
}

// History returns all versions, newest first.
func (r *PolicyRepo) History(ctx context.Context, principalID uuid.UUID) ([]models.AuthorityPolicy, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+policyColumns+`
		FROM authority_policies WHERE principal_id=$1
		ORDER BY version DESC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("policy history: %w", mapError(err))
	}
	defer rows.Close()
	var out []models.AuthorityPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row pgx.Row) (models.AuthorityPolicy, error) {
	var p models.AuthorityPolicy
	err := row.Scan(&p.ID, &p.PrincipalID, &p.Resources, &p.Actions, &p.MaxValidityMS,
		&p.MaxDelegationDepth, &p.AllowDelegation, &p.Active, &p.Version, &p.CreatedAt)
	if err != nil {
		return p, fmt.Errorf("scan policy: %w", mapError(err))
	}
	return p, nil
}
