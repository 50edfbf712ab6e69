package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// KeyringRepo holds server-managed private keys (SEC 1 DER) for principals
// registered with server-side key generation.
type KeyringRepo struct {
	DB DB
}

func (r *KeyringRepo) Put(ctx context.Context, principalID uuid.UUID, privateKeyDER []byte) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO principal_keys (principal_id, private_key) VALUES ($1,$2)
	`, principalID, privateKeyDER)
	if err != nil {
		return fmt.Errorf("insert principal key: %w", mapError(err))
	}
	return nil
}

func (r *KeyringRepo) Get(ctx context.Context, principalID uuid.UUID) ([]byte, error) {
	var der []byte
	row := r.DB.QueryRow(ctx, `SELECT private_key FROM principal_keys WHERE principal_id=$1`, principalID)
	if err := row.Scan(&der); err != nil {
		return nil, fmt.Errorf("get principal key: %w", mapError(err))
	}
	return der, nil
}
