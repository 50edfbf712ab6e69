package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// LedgerRepo persists the append-only event log. IDs are dense per partition:
// allocation happens under a transaction-scoped advisory lock against the
// ledger_heads row, in the same transaction as the insert, so a crash can
// never leave a gap.
type LedgerRepo struct {
	DB DB
}

const eventColumns = `id, partition, ts_ms, principal_id, type, mandate_id, action, resource,
	cost_minor_units, currency, outcome, correlation_id, producer_seq, metadata, content_hash, batch_id`

// NextEventID allocates the next dense id for a partition. Must run inside
// the same transaction as the event insert.
func (r *LedgerRepo) NextEventID(ctx context.Context, partition int32) (int64, error) {
	if err := LockEventIDs(ctx, r.DB, partition); err != nil {
		return 0, err
	}
	var id int64
	row := r.DB.QueryRow(ctx, `
		INSERT INTO ledger_heads (partition, next_id) VALUES ($1, 2)
		ON CONFLICT (partition) DO UPDATE SET next_id = ledger_heads.next_id + 1
		RETURNING next_id - 1
	`, partition)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate event id: %w", mapError(err))
	}
	return id, nil
}

func (r *LedgerRepo) Insert(ctx context.Context, e models.LedgerEvent) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO ledger_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, e.ID, e.Partition, e.TSMS, e.PrincipalID, e.Type, e.MandateID, nullStr(e.Action),
		nullStr(e.Resource), e.CostMinorUnits, nullStr(e.Currency), nullStr(e.Outcome),
		nullStr(e.CorrelationID), e.ProducerSeq, e.Metadata, e.ContentHash, e.BatchID)
	if err != nil {
		return fmt.Errorf("insert ledger event: %w", mapError(err))
	}
	return nil
}

func (r *LedgerRepo) Get(ctx context.Context, partition int32, id int64) (models.LedgerEvent, error) {
	row := r.DB.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM ledger_events WHERE partition=$1 AND id=$2
	`, partition, id)
	return scanEvent(row)
}

// Range returns events [first, last] in id order.
func (r *LedgerRepo) Range(ctx context.Context, partition int32, first, last int64) ([]models.LedgerEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE partition=$1 AND id BETWEEN $2 AND $3 ORDER BY id
	`, partition, first, last)
	if err != nil {
		return nil, fmt.Errorf("ledger range: %w", mapError(err))
	}
	return collectEvents(rows)
}

// Unsealed returns events past the aggregator high-water mark that have no
// batch assignment yet.
func (r *LedgerRepo) Unsealed(ctx context.Context, partition int32, afterID int64, limit int) ([]models.LedgerEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE partition=$1 AND id > $2 AND batch_id IS NULL
		ORDER BY id LIMIT $3
	`, partition, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger unsealed: %w", mapError(err))
	}
	return collectEvents(rows)
}

// AssignBatch stamps a sealed batch id onto its id range.
func (r *LedgerRepo) AssignBatch(ctx context.Context, partition int32, first, last, batchID int64) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE ledger_events SET batch_id=$4
		WHERE partition=$1 AND id BETWEEN $2 AND $3 AND batch_id IS NULL
	`, partition, first, last, batchID)
	if err != nil {
		return fmt.Errorf("assign batch: %w", mapError(err))
	}
	return nil
}

// Head returns the highest assigned id for a partition, 0 when empty.
func (r *LedgerRepo) Head(ctx context.Context, partition int32) (int64, error) {
	var head int64
	row := r.DB.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM ledger_events WHERE partition=$1`, partition)
	if err := row.Scan(&head); err != nil {
		return 0, fmt.Errorf("ledger head: %w", mapError(err))
	}
	return head, nil
}

// SumCosts totals metering costs for a principal in [fromMS, toMS), the
// persistence side of the spending hybrid.
func (r *LedgerRepo) SumCosts(ctx context.Context, principalID uuid.UUID, fromMS, toMS int64) (int64, error) {
	var total int64
	row := r.DB.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_minor_units), 0) FROM ledger_events
		WHERE principal_id=$1 AND type='metering' AND ts_ms >= $2 AND ts_ms < $3
	`, principalID, fromMS, toMS)
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum costs: %w", mapError(err))
	}
	return total, nil
}

// QueryFilter selects ledger events for the audit API.
type QueryFilter struct {
	PrincipalID   *uuid.UUID
	Type          models.EventType
	CorrelationID string
	FromMS        *int64
	ToMS          *int64
	Limit         int
	Offset        int
}

func (r *LedgerRepo) Query(ctx context.Context, f QueryFilter) ([]models.LedgerEvent, error) {
	sql := `SELECT ` + eventColumns + ` FROM ledger_events WHERE true`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		sql += fmt.Sprintf(" AND %s$%d", clause, n)
	}
	if f.PrincipalID != nil {
		add("principal_id=", *f.PrincipalID)
	}
	if f.Type != "" {
		add("type=", f.Type)
	}
	if f.CorrelationID != "" {
		add("correlation_id=", f.CorrelationID)
	}
	if f.FromMS != nil {
		add("ts_ms>=", *f.FromMS)
	}
	if f.ToMS != nil {
		add("ts_ms<", *f.ToMS)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	n++
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY ts_ms DESC, id DESC LIMIT $%d", n)
	if f.Offset > 0 {
		n++
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", n)
	}
	rows, err := r.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", mapError(err))
	}
	return collectEvents(rows)
}

// EventsSince streams a principal's metering events in [fromMS, toMS) in time
// order, for cache rebuilds.
func (r *LedgerRepo) EventsSince(ctx context.Context, principalID uuid.UUID, fromMS, toMS int64) ([]models.LedgerEvent, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE principal_id=$1 AND type='metering' AND ts_ms >= $2 AND ts_ms < $3
		ORDER BY ts_ms, id
	`, principalID, fromMS, toMS)
	if err != nil {
		return nil, fmt.Errorf("events since: %w", mapError(err))
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.LedgerEvent, error) {
	defer rows.Close()
	var out []models.LedgerEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (models.LedgerEvent, error) {
	var (
		e        models.LedgerEvent
		action   *string
		resource *string
		currency *string
		outcome  *string
		corrID   *string
	)
	err := row.Scan(&e.ID, &e.Partition, &e.TSMS, &e.PrincipalID, &e.Type, &e.MandateID,
		&action, &resource, &e.CostMinorUnits, &currency, &outcome, &corrID,
		&e.ProducerSeq, &e.Metadata, &e.ContentHash, &e.BatchID)
	if err != nil {
		return e, fmt.Errorf("scan ledger event: %w", mapError(err))
	}
	e.Action = deref(action)
	e.Resource = deref(resource)
	e.Currency = deref(currency)
	e.Outcome = deref(outcome)
	e.CorrelationID = deref(corrID)
	return e, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
