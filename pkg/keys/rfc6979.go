package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"math/big"
)

// RFC 6979 deterministic nonce generation for ECDSA over P-256 with SHA-256.
// qlen == hlen == 256 bits, so bits2int needs no shift and bits2octets is a
// single modular reduction.

func signRFC6979(priv *ecdsa.PrivateKey, digest []byte) (r, s *big.Int, err error) {
	q := elliptic.P256().Params().N
	x := priv.D
	if x.Sign() <= 0 || x.Cmp(q) >= 0 {
		return nil, nil, ErrInvalidKey
	}

	h := new(big.Int).SetBytes(digest)
	h.Mod(h, q)

	xOctets := make([]byte, 32)
	x.FillBytes(xOctets)
	hOctets := make([]byte, 32)
	h.FillBytes(hOctets)

	// HMAC_DRBG seeding, RFC 6979 §3.2 steps b-g.
	v := make([]byte, 32)
	k := make([]byte, 32)
	for i := range v {
		v[i] = 0x01
	}
	k = drbgMAC(k, v, 0x00, xOctets, hOctets)
	v = hmacSum(k, v)
	k = drbgMAC(k, v, 0x01, xOctets, hOctets)
	v = hmacSum(k, v)

	for i := 0; i < 1000; i++ {
		v = hmacSum(k, v)
		kand := new(big.Int).SetBytes(v)
		if kand.Sign() > 0 && kand.Cmp(q) < 0 {
			if r, s, ok := ecdsaSignWithNonce(priv, h, kand, q); ok {
				return r, s, nil
			}
		}
		k = drbgMAC(k, v, 0x00)
		v = hmacSum(k, v)
	}
	return nil, nil, errors.New("rfc6979: nonce generation did not converge")
}

func ecdsaSignWithNonce(priv *ecdsa.PrivateKey, h, nonce, q *big.Int) (*big.Int, *big.Int, bool) {
	rx, _ := elliptic.P256().ScalarBaseMult(nonce.Bytes())
	r := new(big.Int).Mod(rx, q)
	if r.Sign() == 0 {
		return nil, nil, false
	}
	kInv := new(big.Int).ModInverse(nonce, q)
	if kInv == nil {
		return nil, nil, false
	}
	s := new(big.Int).Mul(r, priv.D)
	s.Add(s, h)
	s.Mul(s, kInv)
	s.Mod(s, q)
	if s.Sign() == 0 {
		return nil, nil, false
	}
	return r, s, true
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func drbgMAC(key, v []byte, sep byte, extra ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(v)
	mac.Write([]byte{sep})
	for _, e := range extra {
		mac.Write(e)
	}
	return mac.Sum(nil)
}
