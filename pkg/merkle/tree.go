// Package merkle builds signed commitments over contiguous ledger ranges.
//
// Trees are standard binary Merkle over SHA-256. When a level has an odd
// number of nodes the LAST node is DUPLICATED to pair it. Verifiers that
// instead promote the odd node will compute a different root, so this rule is
// load-bearing for interop.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// node hashing: parent = sha256(left || right).
func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Root computes the tree root over the leaf hashes. A single leaf is its own
// root; an empty tree has no root.
func Root(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return nil
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// Proof returns the sibling path for the leaf at index, leaf level first.
// directions[i] is true when the sibling sits on the left at level i.
func Proof(leaves [][]byte, index int) (siblings [][]byte, directions []bool) {
	if index < 0 || index >= len(leaves) {
		return nil, nil
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	pos := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		if pos%2 == 0 {
			siblings = append(siblings, level[pos+1])
			directions = append(directions, false)
		} else {
			siblings = append(siblings, level[pos-1])
			directions = append(directions, true)
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}
	return siblings, directions
}

// VerifyProof recomputes the root from a leaf hash and its sibling path.
func VerifyProof(leaf []byte, siblings [][]byte, directions []bool, root []byte) bool {
	if len(siblings) != len(directions) || len(root) == 0 {
		return false
	}
	acc := leaf
	for i, sib := range siblings {
		if directions[i] {
			acc = hashPair(sib, acc)
		} else {
			acc = hashPair(acc, sib)
		}
	}
	return bytes.Equal(acc, root)
}

// SigningPayload binds a root to its batch identity and id range:
// sha256(batch_id_be64 || first_id_be64 || last_id_be64 || root_hash).
// The batch signature is over these bytes.
func SigningPayload(batchID, firstID, lastID int64, root []byte) []byte {
	buf := make([]byte, 0, 24+len(root))
	buf = binary.BigEndian.AppendUint64(buf, uint64(batchID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(firstID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(lastID))
	buf = append(buf, root...)
	sum := sha256.Sum256(buf)
	return sum[:]
}
