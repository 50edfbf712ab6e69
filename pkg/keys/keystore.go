package keys

import (
	"context"
	"crypto/ecdsa"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

var ErrKeyNotFound = errors.New("key not found")

// KeyStore resolves the current public key of a principal.
type KeyStore interface {
	PublicKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PublicKey, error)
}

// FuncKeyStore adapts a lookup returning PKIX DER bytes, typically backed by
// the principal repository.
type FuncKeyStore func(ctx context.Context, principalID uuid.UUID) ([]byte, error)

func (f FuncKeyStore) PublicKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PublicKey, error) {
	der, err := f(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return ParsePublicKey(der)
}

// StaticKeyStore is an in-memory keystore for tests and single-process setups.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*ecdsa.PublicKey
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: map[uuid.UUID]*ecdsa.PublicKey{}}
}

func (s *StaticKeyStore) Put(principalID uuid.UUID, pub *ecdsa.PublicKey) {
	s.mu.Lock()
	s.keys[principalID] = pub
	s.mu.Unlock()
}

func (s *StaticKeyStore) PublicKey(_ context.Context, principalID uuid.UUID) (*ecdsa.PublicKey, error) {
	s.mu.RLock()
	pub, ok := s.keys[principalID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return pub, nil
}

// Signer signs Merkle roots (and other service-held payloads) under a named key.
type Signer struct {
	KeyID string
	priv  *ecdsa.PrivateKey
}

func NewSigner(keyID string, priv *ecdsa.PrivateKey) (*Signer, error) {
	if keyID == "" {
		return nil, errors.New("signer key id required")
	}
	if priv == nil {
		return nil, ErrInvalidKey
	}
	return &Signer{KeyID: keyID, priv: priv}, nil
}

func (s *Signer) Sign(payload []byte) ([]byte, error) {
	return Sign(s.priv, payload)
}

func (s *Signer) Public() *ecdsa.PublicKey {
	return &s.priv.PublicKey
}

// LoadSignerFromFile reads a PEM "EC PRIVATE KEY" block from path.
func LoadSignerFromFile(keyID, path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("signing key %s: expected EC PRIVATE KEY pem block", path)
	}
	priv, err := ParsePrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyID, priv)
}
