package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// PrincipalRepo persists identities. Principals are never deleted, only
// soft-deactivated.
type PrincipalRepo struct {
	DB DB
}

func (r *PrincipalRepo) Create(ctx context.Context, p models.Principal) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO principals (id, display_name, owner, public_key, parent_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.DisplayName, p.Owner, p.PublicKey, p.ParentID, p.Active, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert principal: %w", mapError(err))
	}
	return nil
}

func (r *PrincipalRepo) Get(ctx context.Context, id uuid.UUID) (models.Principal, error) {
	var p models.Principal
	row := r.DB.QueryRow(ctx, `
		SELECT id, display_name, owner, public_key, parent_id, active, created_at
		FROM principals WHERE id=$1
	`, id)
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Owner, &p.PublicKey, &p.ParentID, &p.Active, &p.CreatedAt); err != nil {
		return p, fmt.Errorf("get principal: %w", mapError(err))
	}
	return p, nil
}

// PublicKey returns the PKIX DER public key of an active principal.
func (r *PrincipalRepo) PublicKey(ctx context.Context, id uuid.UUID) ([]byte, error) {
	var der []byte
	row := r.DB.QueryRow(ctx, `SELECT public_key FROM principals WHERE id=$1 AND active`, id)
	if err := row.Scan(&der); err != nil {
		return nil, fmt.Errorf("get principal key: %w", mapError(err))
	}
	return der, nil
}

func (r *PrincipalRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.DB.Exec(ctx, `UPDATE principals SET active=false WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("deactivate principal: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
