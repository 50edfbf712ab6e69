// Package ledger appends signed events to the append-only audit log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/spending"
	"github.com/Garudex-Labs/Caracal/pkg/store"
)

// ErrWriterLockHeld means another process owns the partition.
var ErrWriterLockHeld = errors.New("ledger writer lock held by another process")

// Notifier receives events after they are durable; the Merkle aggregator is
// the only production implementation.
type Notifier interface {
	Notify(models.LedgerEvent)
}

// Writer is the single writer for one ledger partition. The partition lock is
// a session advisory lock on a dedicated connection, acquired at startup and
// held for the process lifetime, which makes dense monotonic ids cheap: id
// allocation and row insert share one transaction, so a crash between them
// rolls both back and no gap survives recovery.
type Writer struct {
	Partition int32
	Pool      *pgxpool.Pool
	Spending  *spending.Service
	Notifier  Notifier
	Log       zerolog.Logger
	Now       func() time.Time

	lockConn *pgxpool.Conn
}

// NewWriter acquires the partition writer lock. A second would-be writer gets
// ErrWriterLockHeld and must wait or exit.
func NewWriter(ctx context.Context, pool *pgxpool.Pool, partition int32, spendingSvc *spending.Service, notifier Notifier, log zerolog.Logger) (*Writer, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	ok, err := store.TryAcquireWriterLock(ctx, conn, partition)
	if err != nil {
		conn.Release()
		return nil, err
	}
	if !ok {
		conn.Release()
		return nil, ErrWriterLockHeld
	}
	return &Writer{
		Partition: partition,
		Pool:      pool,
		Spending:  spendingSvc,
		Notifier:  notifier,
		Log:       log.With().Str("component", "ledger-writer").Int32("partition", partition).Logger(),
		Now:       time.Now,
		lockConn:  conn,
	}, nil
}

// Close releases the partition lock.
func (w *Writer) Close(ctx context.Context) {
	if w.lockConn != nil {
		_ = store.ReleaseWriterLock(ctx, w.lockConn, w.Partition)
		w.lockConn.Release()
		w.lockConn = nil
	}
}

// Append writes one event. The id allocation, content hash and row insert
// commit in a single transaction; commit implies WAL sync, so a returned
// event is durable. Cache updates and aggregator notification happen after
// commit: the first is best-effort, the second is recoverable from the
// aggregator high-water mark.
//
// A duplicate (principal_id, producer_seq) surfaces as store.ErrConflict so
// at-least-once consumers can treat redelivery as a no-op.
func (w *Writer) Append(ctx context.Context, body models.EventBody) (models.LedgerEvent, error) {
	var event models.LedgerEvent
	err := store.WithTx(ctx, w.Pool, func(tx pgx.Tx) error {
		var txErr error
		event, txErr = w.AppendInTx(ctx, tx, body)
		return txErr
	})
	if err != nil {
		return models.LedgerEvent{}, err
	}
	w.Committed(ctx, event)
	return event, nil
}

// AppendInTx allocates the id, hashes and inserts the event inside the
// caller's transaction, so lifecycle writes (issue mandate + issue event)
// stay atomic. The caller MUST invoke Committed after a successful commit.
func (w *Writer) AppendInTx(ctx context.Context, tx pgx.Tx, body models.EventBody) (models.LedgerEvent, error) {
	var event models.LedgerEvent
	if body.Partition != w.Partition {
		return event, fmt.Errorf("event for partition %d on writer %d", body.Partition, w.Partition)
	}
	if len(body.Metadata) > 0 {
		if err := models.ValidateNoJSONNumbers(body.Metadata); err != nil {
			return event, fmt.Errorf("event metadata: %w", err)
		}
	}
	repo := &store.LedgerRepo{DB: tx}
	id, err := repo.NextEventID(ctx, w.Partition)
	if err != nil {
		return event, err
	}
	event = models.LedgerEvent{
		ID:             id,
		Partition:      body.Partition,
		TSMS:           w.Now().UnixMilli(),
		PrincipalID:    body.PrincipalID,
		Type:           body.Type,
		MandateID:      body.MandateID,
		Action:         body.Action,
		Resource:       body.Resource,
		CostMinorUnits: body.CostMinorUnits,
		Currency:       body.Currency,
		Outcome:        body.Outcome,
		CorrelationID:  body.CorrelationID,
		ProducerSeq:    body.ProducerSeq,
		Metadata:       body.Metadata,
	}
	hash, err := models.EventContentHash(event)
	if err != nil {
		return event, fmt.Errorf("hash event: %w", err)
	}
	event.ContentHash = hash
	if err := repo.Insert(ctx, event); err != nil {
		return event, err
	}
	return event, nil
}

// Committed runs the post-commit effects for a durable event: the
// best-effort spending cache update and the aggregator notification.
func (w *Writer) Committed(ctx context.Context, event models.LedgerEvent) {
	if event.Type == models.EventMetering && event.CostMinorUnits != nil && w.Spending != nil {
		w.Spending.Record(ctx, event.PrincipalID, spending.Event{
			EventID:        event.ID,
			TSMS:           event.TSMS,
			CostMinorUnits: *event.CostMinorUnits,
		})
	}
	if w.Notifier != nil {
		w.Notifier.Notify(event)
	}
}
