package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/Garudex-Labs/Caracal/pkg/ledger"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/pricebook"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

// OutcomeFlagged marks metering events whose resource type had no price; the
// event is recorded, never blocked.
const OutcomeFlagged = "flagged"

// SpendRecorder accumulates metering totals; the metrics registry satisfies it.
type SpendRecorder interface {
	IncEventType(eventType string)
	AddSpend(costMinorUnits int64)
}

// LedgerWriterHandler turns bus metering messages into ledger rows. The
// emitter never writes the ledger directly: this is the only ingest path.
// Redelivered messages hit the (principal_id, producer_seq) uniqueness rule
// and are dropped as no-ops.
func LedgerWriterHandler(writer *ledger.Writer, book *pricebook.Book, reload func() error, log zerolog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var m models.MeteringMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return fmt.Errorf("decode metering message: %w", err)
		}
		if m.Version <= 0 {
			return fmt.Errorf("metering message missing schema version")
		}

		body := models.EventBody{
			Partition:     writer.Partition,
			PrincipalID:   m.PrincipalID,
			Type:          models.EventMetering,
			MandateID:     m.MandateID,
			Resource:      m.ResourceType,
			CorrelationID: m.CorrelationID,
			ProducerSeq:   &m.ProducerSeq,
			Metadata:      m.Metadata,
		}
		cost, currency, err := book.Price(m.ResourceType, m.Quantity)
		if err != nil {
			if errors.Is(err, pricebook.ErrUnknownResource) && reload != nil {
				if rerr := reload(); rerr == nil {
					cost, currency, err = book.Price(m.ResourceType, m.Quantity)
				}
			}
		}
		if err != nil {
			log.Warn().
				Str("resource_type", m.ResourceType).
				Str("principal_id", m.PrincipalID.String()).
				Msg("unknown resource type; metering event flagged")
			body.Outcome = OutcomeFlagged
		} else {
			body.CostMinorUnits = &cost
			body.Currency = currency
		}

		if _, err := writer.Append(ctx, body); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Duplicate delivery of an already-ledgered message.
				log.Debug().
					Int64("producer_seq", m.ProducerSeq).
					Str("principal_id", m.PrincipalID.String()).
					Msg("duplicate metering message dropped")
				return nil
			}
			return err
		}
		return nil
	}
}

// MetricsAggregatorHandler maintains derived counters from the event stream.
func MetricsAggregatorHandler(rec SpendRecorder, book *pricebook.Book) Handler {
	return func(_ context.Context, msg kafka.Message) error {
		var m models.MeteringMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return fmt.Errorf("decode metering message: %w", err)
		}
		rec.IncEventType(string(models.EventMetering))
		if cost, _, err := book.Price(m.ResourceType, m.Quantity); err == nil {
			rec.AddSpend(cost)
		}
		return nil
	}
}

// decisionWire is the bus form of a decision notification published by the
// gateway; unknown optional fields are tolerated.
type decisionWire struct {
	Version           int    `json:"version"`
	PrincipalID       string `json:"principal_id"`
	MandateID         string `json:"mandate_id"`
	RequestedAction   string `json:"requested_action"`
	RequestedResource string `json:"requested_resource"`
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason"`
	CorrelationID     string `json:"correlation_id"`
	EvaluatedAtMS     int64  `json:"evaluated_at_ms"`
}

// AuditLoggerHandler emits a structured audit line per decision, with the
// principal id salted-hashed so downstream log sinks never hold raw ids.
func AuditLoggerHandler(log zerolog.Logger, hashSalt []byte) Handler {
	return func(_ context.Context, msg kafka.Message) error {
		var d decisionWire
		if err := json.Unmarshal(msg.Value, &d); err != nil {
			return fmt.Errorf("decode decision message: %w", err)
		}
		log.Info().
			Str("principal_hash", saltedHash(d.PrincipalID, hashSalt)).
			Str("mandate_id", d.MandateID).
			Str("action", d.RequestedAction).
			Str("resource", d.RequestedResource).
			Bool("allowed", d.Allowed).
			Str("reason", d.Reason).
			Str("correlation_id", d.CorrelationID).
			Int64("evaluated_at_ms", d.EvaluatedAtMS).
			Msg("decision")
		return nil
	}
}

func saltedHash(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		h.Write(salt)
	}
	h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
