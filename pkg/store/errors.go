package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound maps missing rows; callers treat it as UnknownMandate / 404.
	ErrNotFound = errors.New("not found")
	// ErrConflict maps unique violations; the caller chooses how to proceed.
	ErrConflict = errors.New("conflict")
	// ErrIntegrity maps foreign-key violations.
	ErrIntegrity = errors.New("integrity violation")
)

// mapError translates pgx errors into the store taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrIntegrity
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a unique-constraint conflict,
// optionally on a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

var retryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 800 * time.Millisecond}

// Retry runs fn with the 50/200/800 ms backoff schedule between attempts.
// Conflicts, integrity violations and missing rows are not retried; they are
// outcomes, not transients.
func Retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrIntegrity) {
			return err
		}
		if attempt >= len(retryDelays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}
