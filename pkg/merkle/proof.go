package merkle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

// Prover builds and checks inclusion proofs against sealed batches.
type Prover struct {
	Ledger  *store.LedgerRepo
	Batches *store.BatchRepo
}

// ProveEvent returns the inclusion proof for an event in its sealed batch.
func (p *Prover) ProveEvent(ctx context.Context, partition int32, eventID int64) (models.InclusionProof, models.MerkleBatch, error) {
	var proof models.InclusionProof
	batch, err := p.Batches.ForEvent(ctx, partition, eventID)
	if err != nil {
		return proof, batch, fmt.Errorf("batch for event %d: %w", eventID, err)
	}
	events, err := p.Ledger.Range(ctx, partition, batch.FirstEventID, batch.LastEventID)
	if err != nil {
		return proof, batch, err
	}
	if want := int(batch.LastEventID - batch.FirstEventID + 1); len(events) != want {
		return proof, batch, fmt.Errorf("batch %d covers %d events but %d loaded", batch.BatchID, want, len(events))
	}
	leaves := make([][]byte, len(events))
	var leafHash []byte
	for i, e := range events {
		// Recompute from content, not the stored hash column, so a tampered
		// payload fails verification instead of sliding through.
		h, err := models.EventContentHash(e)
		if err != nil {
			return proof, batch, fmt.Errorf("hash event %d: %w", e.ID, err)
		}
		leaves[i] = h
		if e.ID == eventID {
			leafHash = h
		}
	}
	idx := int(eventID - batch.FirstEventID)
	siblings, directions := Proof(leaves, idx)
	return models.InclusionProof{
		EventID:    eventID,
		BatchID:    batch.BatchID,
		LeafHash:   leafHash,
		Siblings:   siblings,
		Directions: directions,
	}, batch, nil
}

// VerifyInclusion checks a proof against a sealed batch and its signature.
func VerifyInclusion(proof models.InclusionProof, batch models.MerkleBatch, signerKey *ecdsa.PublicKey) bool {
	if proof.BatchID != batch.BatchID {
		return false
	}
	if !VerifyProof(proof.LeafHash, proof.Siblings, proof.Directions, batch.RootHash) {
		return false
	}
	payload := SigningPayload(batch.BatchID, batch.FirstEventID, batch.LastEventID, batch.RootHash)
	return keys.Verify(signerKey, payload, batch.Signature)
}

// VerifyRange recomputes every sealed batch root over [first, last] from the
// stored events. Any mismatch is an IntegrityFailure: the caller must halt
// the pipeline.
func (p *Prover) VerifyRange(ctx context.Context, partition int32, first, last int64, signerKey *ecdsa.PublicKey) error {
	batches, err := p.Batches.InRange(ctx, partition, first, last)
	if err != nil {
		return err
	}
	for _, b := range batches {
		events, err := p.Ledger.Range(ctx, partition, b.FirstEventID, b.LastEventID)
		if err != nil {
			return err
		}
		if want := int(b.LastEventID - b.FirstEventID + 1); len(events) != want {
			return fmt.Errorf("batch %d: want %d events, ledger has %d", b.BatchID, want, len(events))
		}
		leaves := make([][]byte, len(events))
		for i, e := range events {
			h, err := models.EventContentHash(e)
			if err != nil {
				return fmt.Errorf("batch %d: hash event %d: %w", b.BatchID, e.ID, err)
			}
			leaves[i] = h
		}
		root := Root(leaves)
		if !bytes.Equal(root, b.RootHash) {
			return fmt.Errorf("batch %d: recomputed root does not match sealed root", b.BatchID)
		}
		if signerKey != nil {
			payload := SigningPayload(b.BatchID, b.FirstEventID, b.LastEventID, b.RootHash)
			if !keys.Verify(signerKey, payload, b.Signature) {
				return fmt.Errorf("batch %d: root signature invalid", b.BatchID)
			}
		}
	}
	return nil
}
