package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Principal is an identity (agent or user) holding an ECDSA-P256 signing key.
// The parent link forms a forest of delegated identities.
type Principal struct {
	ID          uuid.UUID  `json:"id"`
	DisplayName string     `json:"display_name"`
	Owner       string     `json:"owner"`
	PublicKey   []byte     `json:"public_key"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AuthorityPolicy is a principal's ceiling: what it may in turn issue mandates for.
// Exactly one policy per principal is active at a time; prior versions are history.
type AuthorityPolicy struct {
	ID                 uuid.UUID `json:"id"`
	PrincipalID        uuid.UUID `json:"principal_id"`
	Resources          []string  `json:"resources"`
	Actions            []string  `json:"actions"`
	MaxValidityMS      int64     `json:"max_validity_ms"`
	MaxDelegationDepth int       `json:"max_delegation_depth"`
	AllowDelegation    bool      `json:"allow_delegation"`
	Active             bool      `json:"active"`
	Version            int       `json:"version"`
	CreatedAt          time.Time `json:"created_at"`
}

// Revocation records the one-way transition out of the active state.
type Revocation struct {
	AtMS    int64     `json:"at_ms"`
	Reason  string    `json:"reason"`
	Revoker uuid.UUID `json:"revoker"`
}

// ExecutionMandate is a signed grant authorizing a subject to perform actions
// in a resource scope for a bounded window. Depth 0 mandates are roots;
// delegated mandates carry the parent id and depth = parent depth + 1.
type ExecutionMandate struct {
	ID          uuid.UUID   `json:"id"`
	Issuer      uuid.UUID   `json:"issuer"`
	Subject     uuid.UUID   `json:"subject"`
	Resources   []string    `json:"resources"`
	Actions     []string    `json:"actions"`
	NotBeforeMS int64       `json:"not_before_ms"`
	NotAfterMS  int64       `json:"not_after_ms"`
	ParentID    *uuid.UUID  `json:"parent_mandate_id,omitempty"`
	Depth       int         `json:"depth"`
	IntentHash  string      `json:"intent_hash,omitempty"`
	Signature   []byte      `json:"signature"`
	CreatedMS   int64       `json:"created_ms"`
	Revoked     *Revocation `json:"revoked,omitempty"`
}

// Expired reports whether the mandate validity window has passed at nowMS.
func (m *ExecutionMandate) Expired(nowMS int64) bool {
	return nowMS > m.NotAfterMS
}

// EventType enumerates ledger event kinds.
type EventType string

const (
	EventIssue         EventType = "issue"
	EventDelegate      EventType = "delegate"
	EventRevoke        EventType = "revoke"
	EventDecisionAllow EventType = "decision_allow"
	EventDecisionDeny  EventType = "decision_deny"
	EventMetering      EventType = "metering"
)

// LedgerEvent is the append-only record of what happened. IDs are dense and
// strictly increasing within a partition.
type LedgerEvent struct {
	ID             int64           `json:"id"`
	Partition      int32           `json:"partition"`
	TSMS           int64           `json:"ts_ms"`
	PrincipalID    uuid.UUID       `json:"principal_id"`
	Type           EventType       `json:"type"`
	MandateID      *uuid.UUID      `json:"mandate_id,omitempty"`
	Action         string          `json:"action,omitempty"`
	Resource       string          `json:"resource,omitempty"`
	CostMinorUnits *int64          `json:"cost_minor_units,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ProducerSeq    *int64          `json:"producer_seq,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ContentHash    []byte          `json:"content_hash,omitempty"`
	BatchID        *int64          `json:"batch_id,omitempty"`
}

// EventBody is the caller-supplied portion of a ledger event; the writer
// assigns id, timestamp and content hash.
type EventBody struct {
	Partition      int32           `json:"partition"`
	PrincipalID    uuid.UUID       `json:"principal_id"`
	Type           EventType       `json:"type"`
	MandateID      *uuid.UUID      `json:"mandate_id,omitempty"`
	Action         string          `json:"action,omitempty"`
	Resource       string          `json:"resource,omitempty"`
	CostMinorUnits *int64          `json:"cost_minor_units,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	Outcome        string          `json:"outcome,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ProducerSeq    *int64          `json:"producer_seq,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// MerkleBatch is a signed commitment over a contiguous ledger id range.
type MerkleBatch struct {
	BatchID      int64  `json:"batch_id"`
	Partition    int32  `json:"partition"`
	FirstEventID int64  `json:"first_event_id"`
	LastEventID  int64  `json:"last_event_id"`
	RootHash     []byte `json:"root_hash"`
	SigningKeyID string `json:"signing_key_id"`
	Signature    []byte `json:"signature"`
	CreatedMS    int64  `json:"created_ms"`
}

// InclusionProof carries the sibling path from a leaf to a signed root.
// Directions[i] is true when the sibling at level i sits on the left.
type InclusionProof struct {
	EventID    int64    `json:"event_id"`
	BatchID    int64    `json:"batch_id"`
	LeafHash   []byte   `json:"leaf_hash"`
	Siblings   [][]byte `json:"siblings"`
	Directions []bool   `json:"directions"`
}

// Snapshot is a point-in-time materialization of derived state plus the
// ledger offset it covers, used to bound replay time.
type Snapshot struct {
	ID           int64           `json:"id"`
	Partition    int32           `json:"partition"`
	LedgerOffset int64           `json:"ledger_offset"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Decision reasons returned by the evaluator. A denial is a normal outcome,
// never an error.
const (
	ReasonAllow          = "Allow"
	ReasonUnknownMandate = "UnknownMandate"
	ReasonBadSignature   = "BadSignature"
	ReasonRevoked        = "Revoked"
	ReasonExpired        = "Expired"
	ReasonNotYetValid    = "NotYetValid"
	ReasonOutOfScope     = "OutOfScope"
	ReasonIntentMismatch = "IntentMismatch"
	ReasonPolicyDenied   = "PolicyDenied"
	ReasonCanceled       = "Canceled"
	ReasonInternalError  = "InternalError"
)

// EvaluateRequest is the wire form sent by the proxy or MCP adapter.
type EvaluateRequest struct {
	MandateID         uuid.UUID       `json:"mandate_id"`
	RequestedAction   string          `json:"requested_action"`
	RequestedResource string          `json:"requested_resource"`
	IntentClaim       json.RawMessage `json:"intent_claim,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
}

// EvaluateResponse is the wire form of a decision.
type EvaluateResponse struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	EvaluatedAtMS int64  `json:"evaluated_at_ms"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MeteringMessage is the bus payload emitted after an allowed action executes.
// Version gates schema evolution; readers tolerate unknown optional fields.
type MeteringMessage struct {
	Version       int             `json:"version"`
	PrincipalID   uuid.UUID       `json:"principal_id"`
	MandateID     *uuid.UUID      `json:"mandate_id,omitempty"`
	ResourceType  string          `json:"resource_type"`
	Quantity      int64           `json:"quantity"`
	ProducerSeq   int64           `json:"producer_seq"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TSMS          int64           `json:"ts_ms"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// DLQEvent wraps a message that exhausted its retry budget.
type DLQEvent struct {
	DLQID             uuid.UUID `json:"dlq_id"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int       `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key,omitempty"`
	OriginalValue     []byte    `json:"original_value"`
	ErrorType         string    `json:"error_type"`
	ErrorMessage      string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	FailureTSMS       int64     `json:"failure_ts_ms"`
	ConsumerGroup     string    `json:"consumer_group"`
}
