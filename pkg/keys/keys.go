package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
)

// Signatures are ECDSA over P-256 with deterministic RFC 6979 nonces, so
// signing the same payload always yields byte-identical output. The wire
// encoding is the 64-byte big-endian r||s concatenation.

const SignatureSize = 64

var ErrInvalidKey = errors.New("invalid key material")

// GenerateKeypair creates a new P-256 keypair.
func GenerateKeypair() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 keypair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes a public key in PKIX DER form.
func MarshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey decodes a PKIX DER public key and requires curve P-256.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrInvalidKey
	}
	return pub, nil
}

// MarshalPrivateKey encodes a private key in SEC 1 DER form.
func MarshalPrivateKey(priv *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey decodes a SEC 1 DER private key and requires curve P-256.
func ParsePrivateKey(der []byte) (*ecdsa.PrivateKey, error) {
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, ErrInvalidKey
	}
	return priv, nil
}

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Sign produces a deterministic signature over payload.
func Sign(priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, ErrInvalidKey
	}
	digest := sha256.Sum256(payload)
	r, s, err := signRFC6979(priv, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a 64-byte r||s signature over payload.
func Verify(pub *ecdsa.PublicKey, payload, sig []byte) bool {
	if pub == nil || pub.Curve != elliptic.P256() || len(sig) != SignatureSize {
		return false
	}
	digest := sha256.Sum256(payload)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}
