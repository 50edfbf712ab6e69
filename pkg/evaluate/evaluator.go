// Package evaluate is the hot-path decision engine: does this mandate
// authorize this (action, resource) right now? It is fail-closed: any
// internal error or ambiguity denies with a specific reason, and every
// decision, including denials and cancellations, lands in the ledger.
package evaluate

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/store"
	"github.com/Garudex-Labs/Caracal/pkg/urn"
)

const (
	DefaultDeadline  = 100 * time.Millisecond
	DefaultCacheTTL  = 60 * time.Second
	DefaultCacheSize = 10_000
)

// Decision is the evaluator outcome. Denial is a value, never an error.
type Decision struct {
	Allowed       bool
	Reason        string
	Mandate       *models.ExecutionMandate
	EvaluatedAt   time.Time
	LatencyMS     int64
	CorrelationID string
}

// Response converts a decision to its wire form.
func (d Decision) Response() models.EvaluateResponse {
	return models.EvaluateResponse{
		Allowed:       d.Allowed,
		Reason:        d.Reason,
		EvaluatedAtMS: d.EvaluatedAt.UnixMilli(),
		CorrelationID: d.CorrelationID,
	}
}

// Recorder counts decisions; satisfied by the metrics registry.
type Recorder interface {
	IncDecision(reason string)
	ObserveEvalLatency(d time.Duration)
}

// MandateSource resolves mandate chains; *store.MandateRepo in production.
type MandateSource interface {
	GetWithChain(ctx context.Context, id uuid.UUID) ([]models.ExecutionMandate, error)
}

// PolicySource resolves active policies; *store.PolicyRepo in production.
type PolicySource interface {
	GetActive(ctx context.Context, principalID uuid.UUID) (models.AuthorityPolicy, error)
}

// DecisionLedger records decision events; *ledger.Writer in production.
type DecisionLedger interface {
	Append(ctx context.Context, body models.EventBody) (models.LedgerEvent, error)
}

// Evaluator resolves and validates mandate chains. Caches are read-through
// with short TTLs and explicit invalidation on revoke/policy-change; a cache
// hit still re-checks now against validity and revocation state.
type Evaluator struct {
	Mandates  MandateSource
	Policies  PolicySource
	Keys      keys.KeyStore
	Ledger    DecisionLedger
	Partition int32
	Metrics   Recorder
	Log       zerolog.Logger
	Now       func() time.Time
	Deadline  time.Duration

	chains   *TTLCache[uuid.UUID, []models.ExecutionMandate]
	policies *TTLCache[uuid.UUID, models.AuthorityPolicy]
	pubkeys  *TTLCache[uuid.UUID, *ecdsa.PublicKey]
}

func New(mandates MandateSource, policies PolicySource, keystore keys.KeyStore, decisionLedger DecisionLedger, partition int32, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		Mandates:  mandates,
		Policies:  policies,
		Keys:      keystore,
		Ledger:    decisionLedger,
		Partition: partition,
		Log:       log.With().Str("component", "evaluator").Logger(),
		Now:       time.Now,
		Deadline:  DefaultDeadline,
		chains:    NewTTLCache[uuid.UUID, []models.ExecutionMandate](DefaultCacheTTL, DefaultCacheSize),
		policies:  NewTTLCache[uuid.UUID, models.AuthorityPolicy](DefaultCacheTTL, DefaultCacheSize),
		pubkeys:   NewTTLCache[uuid.UUID, *ecdsa.PublicKey](DefaultCacheTTL, DefaultCacheSize),
	}
}

// InvalidateMandate drops the chain cached under a revoked mandate's id.
// Chains are keyed by leaf id, so cached chains of delegated descendants are
// not dropped here and age out within the TTL.
func (e *Evaluator) InvalidateMandate(id uuid.UUID) {
	e.chains.Invalidate(id)
}

// InvalidatePolicy drops a principal's cached policy after a policy change.
func (e *Evaluator) InvalidatePolicy(principalID uuid.UUID) {
	e.policies.Invalidate(principalID)
}

// CacheStatsSnapshot exposes the cache counters for /metrics.
func (e *Evaluator) CacheStatsSnapshot() map[string]CacheStats {
	return map[string]CacheStats{
		"chains":   e.chains.Stats(),
		"policies": e.policies.Stats(),
		"pubkeys":  e.pubkeys.Stats(),
	}
}

// Evaluate runs the decision sequence, short-circuiting on the first failing
// check. Every path emits a decision event before returning.
func (e *Evaluator) Evaluate(ctx context.Context, req models.EvaluateRequest) Decision {
	start := e.Now()
	ctx, cancel := context.WithTimeout(ctx, e.Deadline)
	defer cancel()

	decision := e.evaluate(ctx, req)
	decision.EvaluatedAt = e.Now()
	decision.LatencyMS = decision.EvaluatedAt.Sub(start).Milliseconds()
	decision.CorrelationID = req.CorrelationID

	e.record(ctx, req, decision)
	if e.Metrics != nil {
		e.Metrics.IncDecision(decision.Reason)
		e.Metrics.ObserveEvalLatency(decision.EvaluatedAt.Sub(start))
	}
	return decision
}

func (e *Evaluator) evaluate(ctx context.Context, req models.EvaluateRequest) Decision {
	deny := func(reason string, m *models.ExecutionMandate) Decision {
		return Decision{Allowed: false, Reason: reason, Mandate: m}
	}

	// 1. Load the chain, leaf first.
	chain, err := e.loadChain(ctx, req.MandateID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return deny(models.ReasonUnknownMandate, nil)
		case errors.Is(err, context.Canceled):
			return deny(models.ReasonCanceled, nil)
		case errors.Is(err, context.DeadlineExceeded):
			// The evaluator's own deadline expiring is a Timeout, surfaced
			// as InternalError, not a client cancellation.
			e.Log.Warn().Str("mandate_id", req.MandateID.String()).Msg("chain load timed out")
			return deny(models.ReasonInternalError, nil)
		default:
			e.Log.Error().Err(err).Str("mandate_id", req.MandateID.String()).Msg("chain load failed")
			return deny(models.ReasonInternalError, nil)
		}
	}
	leaf := &chain[0]

	// 2. Signature chain under each issuer's current public key.
	for i := range chain {
		pub, err := e.issuerKey(ctx, chain[i].Issuer)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return deny(models.ReasonCanceled, leaf)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				e.Log.Warn().Str("issuer", chain[i].Issuer.String()).Msg("issuer key load timed out")
				return deny(models.ReasonInternalError, leaf)
			}
			e.Log.Warn().Err(err).Str("issuer", chain[i].Issuer.String()).Msg("issuer key unavailable")
			return deny(models.ReasonBadSignature, leaf)
		}
		payload, err := models.MandateSigningPayload(chain[i])
		if err != nil {
			return deny(models.ReasonInternalError, leaf)
		}
		if !keys.Verify(pub, payload, chain[i].Signature) {
			e.Log.Warn().Str("mandate_id", chain[i].ID.String()).Msg("mandate signature invalid")
			return deny(models.ReasonBadSignature, leaf)
		}
	}

	// 3. Revocation anywhere in the chain.
	for i := range chain {
		if chain[i].Revoked != nil {
			return deny(models.ReasonRevoked, leaf)
		}
	}

	// 4. Validity window of every mandate in the chain.
	nowMS := e.Now().UnixMilli()
	for i := range chain {
		if nowMS > chain[i].NotAfterMS {
			return deny(models.ReasonExpired, leaf)
		}
	}
	for i := range chain {
		if nowMS < chain[i].NotBeforeMS {
			return deny(models.ReasonNotYetValid, leaf)
		}
	}

	// 5. Requested action and resource against the leaf scope.
	if !urn.MatchAny(req.RequestedResource, leaf.Resources) {
		return deny(models.ReasonOutOfScope, leaf)
	}
	if !containsAction(leaf.Actions, req.RequestedAction) {
		return deny(models.ReasonOutOfScope, leaf)
	}

	// 6. Subset-through-chain, re-verified as defense in depth.
	for i := 0; i+1 < len(chain); i++ {
		child, parent := &chain[i], &chain[i+1]
		if !urn.SubsetOf(child.Resources, parent.Resources) || !urn.ActionSubset(child.Actions, parent.Actions) {
			return deny(models.ReasonOutOfScope, leaf)
		}
	}

	// 7. Intent binding.
	if leaf.IntentHash != "" {
		if len(req.IntentClaim) == 0 {
			return deny(models.ReasonIntentMismatch, leaf)
		}
		claimHash, err := models.IntentHash(req.IntentClaim)
		if err != nil || claimHash != leaf.IntentHash {
			return deny(models.ReasonIntentMismatch, leaf)
		}
	}

	// 8. The root issuer's current policy must still permit the leaf scope;
	// a policy change revokes in effect without touching mandates.
	root := &chain[len(chain)-1]
	policy, err := e.activePolicy(ctx, root.Issuer)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return deny(models.ReasonPolicyDenied, leaf)
		case errors.Is(err, context.Canceled):
			return deny(models.ReasonCanceled, leaf)
		case errors.Is(err, context.DeadlineExceeded):
			e.Log.Warn().Str("issuer", root.Issuer.String()).Msg("policy load timed out")
			return deny(models.ReasonInternalError, leaf)
		default:
			e.Log.Error().Err(err).Str("issuer", root.Issuer.String()).Msg("policy load failed")
			return deny(models.ReasonInternalError, leaf)
		}
	}
	if !urn.SubsetOf(leaf.Resources, policy.Resources) || !urn.ActionSubset(leaf.Actions, policy.Actions) {
		return deny(models.ReasonPolicyDenied, leaf)
	}

	return Decision{Allowed: true, Reason: models.ReasonAllow, Mandate: leaf}
}

func (e *Evaluator) loadChain(ctx context.Context, id uuid.UUID) ([]models.ExecutionMandate, error) {
	if chain, ok := e.chains.Get(id); ok {
		return chain, nil
	}
	chain, err := e.Mandates.GetWithChain(ctx, id)
	if err != nil {
		return nil, err
	}
	e.chains.Put(id, chain)
	return chain, nil
}

func (e *Evaluator) activePolicy(ctx context.Context, principalID uuid.UUID) (models.AuthorityPolicy, error) {
	if policy, ok := e.policies.Get(principalID); ok {
		return policy, nil
	}
	policy, err := e.Policies.GetActive(ctx, principalID)
	if err != nil {
		return policy, err
	}
	e.policies.Put(principalID, policy)
	return policy, nil
}

func (e *Evaluator) issuerKey(ctx context.Context, principalID uuid.UUID) (*ecdsa.PublicKey, error) {
	if pub, ok := e.pubkeys.Get(principalID); ok {
		return pub, nil
	}
	pub, err := e.Keys.PublicKey(ctx, principalID)
	if err != nil {
		return nil, err
	}
	e.pubkeys.Put(principalID, pub)
	return pub, nil
}

// record writes the decision event. The audit trail must be complete even
// when the client canceled, so the write escapes the request deadline.
func (e *Evaluator) record(ctx context.Context, req models.EvaluateRequest, d Decision) {
	if e.Ledger == nil {
		return
	}
	eventType := models.EventDecisionDeny
	if d.Allowed {
		eventType = models.EventDecisionAllow
	}
	principalID := uuid.Nil
	var mandateID *uuid.UUID
	if d.Mandate != nil {
		principalID = d.Mandate.Subject
		id := d.Mandate.ID
		mandateID = &id
	} else if req.MandateID != uuid.Nil {
		id := req.MandateID
		mandateID = &id
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := e.Ledger.Append(writeCtx, models.EventBody{
		Partition:     e.Partition,
		PrincipalID:   principalID,
		Type:          eventType,
		MandateID:     mandateID,
		Action:        req.RequestedAction,
		Resource:      req.RequestedResource,
		Outcome:       d.Reason,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		e.Log.Error().Err(err).Str("reason", d.Reason).Msg("decision event append failed")
	}
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
