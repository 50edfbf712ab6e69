// Package mandate manages the execution-mandate lifecycle: issuance,
// delegation and revocation, each validated against the issuer's authority
// policy and recorded in the ledger atomically.
package mandate

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/ledger"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/store"
	"github.com/Garudex-Labs/Caracal/pkg/urn"
)

var (
	ErrNoAuthority          = errors.New("issuer has no active authority policy")
	ErrScopeExceedsPolicy   = errors.New("requested scope exceeds policy ceiling")
	ErrValidityExceedsMax   = errors.New("validity span exceeds policy maximum")
	ErrDelegationNotAllowed = errors.New("policy does not permit delegation")
	ErrDepthExceeded        = errors.New("delegation depth exceeds policy maximum")
	ErrParentRevoked        = errors.New("parent mandate is revoked")
	ErrParentInactive       = errors.New("now is outside the parent validity window")
	ErrScopeExceedsParent   = errors.New("child scope is not a subset of the parent scope")
	ErrValidityExceedsParnt = errors.New("child validity is not within the parent window")
	ErrNotDelegator         = errors.New("issuer is not the subject of the parent mandate")
	ErrAlreadyRevoked       = errors.New("mandate already revoked")
	ErrNotAuthorized        = errors.New("caller may not revoke this mandate")
	ErrInvalidWindow        = errors.New("not_before must precede not_after")
)

// PrivateKeyStore resolves issuer signing keys.
type PrivateKeyStore interface {
	SigningKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PrivateKey, error)
}

// Invalidator drops evaluator cache entries when authority state changes.
type Invalidator interface {
	InvalidateMandate(id uuid.UUID)
	InvalidatePolicy(principalID uuid.UUID)
}

// Manager wires mandate lifecycle writes through one transaction per
// operation: the mandate row and its ledger event commit together.
type Manager struct {
	Pool        *pgxpool.Pool
	Writer      *ledger.Writer
	Keyring     PrivateKeyStore
	Invalidator Invalidator
	Partition   int32
	Log         zerolog.Logger
	Now         func() time.Time
}

func NewManager(pool *pgxpool.Pool, writer *ledger.Writer, keyring PrivateKeyStore, partition int32, log zerolog.Logger) *Manager {
	return &Manager{
		Pool:      pool,
		Writer:    writer,
		Keyring:   keyring,
		Partition: partition,
		Log:       log.With().Str("component", "mandate-manager").Logger(),
		Now:       time.Now,
	}
}

// IssueRequest describes a mandate to create. A set ParentMandateID makes
// this a delegation.
type IssueRequest struct {
	Issuer          uuid.UUID
	Subject         uuid.UUID
	Resources       []string
	Actions         []string
	NotBeforeMS     int64
	NotAfterMS      int64
	IntentHash      string
	ParentMandateID *uuid.UUID
	CorrelationID   string
}

// Issue validates the request against the issuer's active policy (and parent
// mandate, when delegating), signs the mandate and persists it with its
// ledger event in one transaction.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (models.ExecutionMandate, error) {
	var out models.ExecutionMandate
	if req.NotBeforeMS >= req.NotAfterMS {
		return out, ErrInvalidWindow
	}

	policies := &store.PolicyRepo{DB: m.Pool}
	policy, err := policies.GetActive(ctx, req.Issuer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return out, ErrNoAuthority
		}
		return out, err
	}
	if req.NotAfterMS-req.NotBeforeMS > policy.MaxValidityMS {
		return out, ErrValidityExceedsMax
	}
	if !urn.SubsetOf(req.Resources, policy.Resources) || !urn.ActionSubset(req.Actions, policy.Actions) {
		return out, ErrScopeExceedsPolicy
	}

	depth := 0
	eventType := models.EventIssue
	if req.ParentMandateID != nil {
		if !policy.AllowDelegation {
			return out, ErrDelegationNotAllowed
		}
		mandates := &store.MandateRepo{DB: m.Pool}
		parent, err := mandates.Get(ctx, *req.ParentMandateID)
		if err != nil {
			return out, err
		}
		if err := m.checkParent(req, parent); err != nil {
			return out, err
		}
		depth = parent.Depth + 1
		if depth > policy.MaxDelegationDepth {
			return out, ErrDepthExceeded
		}
		eventType = models.EventDelegate
	}

	priv, err := m.Keyring.SigningKey(ctx, req.Issuer)
	if err != nil {
		return out, fmt.Errorf("issuer signing key: %w", err)
	}

	now := m.Now()
	mandateRec := models.ExecutionMandate{
		ID:          uuid.New(),
		Issuer:      req.Issuer,
		Subject:     req.Subject,
		Resources:   append([]string(nil), req.Resources...),
		Actions:     append([]string(nil), req.Actions...),
		NotBeforeMS: req.NotBeforeMS,
		NotAfterMS:  req.NotAfterMS,
		ParentID:    req.ParentMandateID,
		Depth:       depth,
		IntentHash:  req.IntentHash,
		CreatedMS:   now.UnixMilli(),
	}
	payload, err := models.MandateSigningPayload(mandateRec)
	if err != nil {
		return out, fmt.Errorf("signing payload: %w", err)
	}
	mandateRec.Signature, err = keys.Sign(priv, payload)
	if err != nil {
		return out, fmt.Errorf("sign mandate: %w", err)
	}

	var event models.LedgerEvent
	err = store.WithTx(ctx, m.Pool, func(tx pgx.Tx) error {
		if err := (&store.MandateRepo{DB: tx}).Create(ctx, mandateRec); err != nil {
			return err
		}
		event, err = m.Writer.AppendInTx(ctx, tx, models.EventBody{
			Partition:     m.Partition,
			PrincipalID:   req.Issuer,
			Type:          eventType,
			MandateID:     &mandateRec.ID,
			CorrelationID: req.CorrelationID,
		})
		return err
	})
	if err != nil {
		return out, err
	}
	m.Writer.Committed(ctx, event)
	m.Log.Info().
		Str("mandate_id", mandateRec.ID.String()).
		Str("issuer", req.Issuer.String()).
		Str("subject", req.Subject.String()).
		Int("depth", depth).
		Msg(string(eventType))
	return mandateRec, nil
}

func (m *Manager) checkParent(req IssueRequest, parent models.ExecutionMandate) error {
	if parent.Revoked != nil {
		return ErrParentRevoked
	}
	nowMS := m.Now().UnixMilli()
	if nowMS < parent.NotBeforeMS || nowMS > parent.NotAfterMS {
		return ErrParentInactive
	}
	// The delegator must hold the parent grant.
	if parent.Subject != req.Issuer {
		return ErrNotDelegator
	}
	if !urn.SubsetOf(req.Resources, parent.Resources) || !urn.ActionSubset(req.Actions, parent.Actions) {
		return ErrScopeExceedsParent
	}
	if req.NotBeforeMS < parent.NotBeforeMS || req.NotAfterMS > parent.NotAfterMS {
		return ErrValidityExceedsParnt
	}
	return nil
}

// Delegate is Issue with the parent set; kept as a named operation for the
// API surface.
func (m *Manager) Delegate(ctx context.Context, req IssueRequest) (models.ExecutionMandate, error) {
	if req.ParentMandateID == nil {
		return models.ExecutionMandate{}, errors.New("delegate requires a parent mandate id")
	}
	return m.Issue(ctx, req)
}

// RevokeRequest names a mandate to revoke. AsAdmin marks a caller holding the
// admin capability; otherwise the revoker must be the issuer or the subject.
type RevokeRequest struct {
	Revoker       uuid.UUID
	MandateID     uuid.UUID
	Reason        string
	Cascade       bool
	AsAdmin       bool
	CorrelationID string
}

// Revoke marks the mandate revoked and appends the revoke event in one
// transaction. With Cascade, every descendant is revoked breadth-first; each
// child revocation is its own transaction and ledger event, and an individual
// child failure is logged without aborting the walk.
func (m *Manager) Revoke(ctx context.Context, req RevokeRequest) error {
	mandates := &store.MandateRepo{DB: m.Pool}
	target, err := mandates.Get(ctx, req.MandateID)
	if err != nil {
		return err
	}
	if target.Revoked != nil {
		return ErrAlreadyRevoked
	}
	if !req.AsAdmin && req.Revoker != target.Issuer && req.Revoker != target.Subject {
		return ErrNotAuthorized
	}

	if err := m.revokeOne(ctx, target, req); err != nil {
		return err
	}

	if !req.Cascade {
		return nil
	}
	queue := []uuid.UUID{req.MandateID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := mandates.Children(ctx, id)
		if err != nil {
			m.Log.Error().Err(err).Str("mandate_id", id.String()).Msg("cascade: children lookup failed")
			continue
		}
		for _, child := range children {
			queue = append(queue, child.ID)
			if child.Revoked != nil {
				continue
			}
			if err := m.revokeOne(ctx, child, req); err != nil {
				m.Log.Error().Err(err).Str("mandate_id", child.ID.String()).Msg("cascade: child revocation failed")
			}
		}
	}
	return nil
}

func (m *Manager) revokeOne(ctx context.Context, target models.ExecutionMandate, req RevokeRequest) error {
	rev := models.Revocation{AtMS: m.Now().UnixMilli(), Reason: req.Reason, Revoker: req.Revoker}
	var event models.LedgerEvent
	err := store.WithTx(ctx, m.Pool, func(tx pgx.Tx) error {
		if err := (&store.MandateRepo{DB: tx}).MarkRevoked(ctx, target.ID, rev); err != nil {
			return err
		}
		var appendErr error
		event, appendErr = m.Writer.AppendInTx(ctx, tx, models.EventBody{
			Partition:     m.Partition,
			PrincipalID:   req.Revoker,
			Type:          models.EventRevoke,
			MandateID:     &target.ID,
			CorrelationID: req.CorrelationID,
		})
		return appendErr
	})
	if err != nil {
		return err
	}
	m.Writer.Committed(ctx, event)
	if m.Invalidator != nil {
		m.Invalidator.InvalidateMandate(target.ID)
	}
	m.Log.Info().
		Str("mandate_id", target.ID.String()).
		Str("revoker", req.Revoker.String()).
		Str("reason", req.Reason).
		Msg("revoke")
	return nil
}
