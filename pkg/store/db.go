package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx, so every
// repository runs unchanged inside or outside a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// WithTx runs fn in a transaction, committing on nil and rolling back on error.
func WithTx(ctx context.Context, pool TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Advisory lock keyspace. The high 32 bits name the subsystem, the low 32
// bits the partition, so writer and id-allocator locks never collide.
const (
	lockClassLedgerWriter = int64(0x6C656467) // "ledg"
	lockClassEventID      = int64(0x65766964) // "evid"
)

func ledgerWriterLockKey(partition int32) int64 {
	return lockClassLedgerWriter<<32 | int64(uint32(partition))
}

func eventIDLockKey(partition int32) int64 {
	return lockClassEventID<<32 | int64(uint32(partition))
}

// TryAcquireWriterLock takes the session-scoped single-writer lock for a
// partition on conn. The lock is held for the connection lifetime; a second
// writer gets ok=false and must wait or exit.
func TryAcquireWriterLock(ctx context.Context, conn DB, partition int32) (bool, error) {
	var ok bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, ledgerWriterLockKey(partition)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("acquire writer lock: %w", err)
	}
	return ok, nil
}

// ReleaseWriterLock releases the partition writer lock on conn.
func ReleaseWriterLock(ctx context.Context, conn DB, partition int32) error {
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, ledgerWriterLockKey(partition))
	return err
}

// LockEventIDs takes the transaction-scoped lock that serializes dense event
// id allocation within a partition. Released automatically at commit/rollback.
func LockEventIDs(ctx context.Context, tx DB, partition int32) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventIDLockKey(partition))
	if err != nil {
		return fmt.Errorf("lock event ids: %w", err)
	}
	return nil
}
