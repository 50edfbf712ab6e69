package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	if mapError(nil) != nil {
		t.Fatal("nil maps to nil")
	}
	if !errors.Is(mapError(pgx.ErrNoRows), ErrNotFound) {
		t.Fatal("no rows must map to ErrNotFound")
	}
	if !errors.Is(mapError(&pgconn.PgError{Code: "23505"}), ErrConflict) {
		t.Fatal("unique violation must map to ErrConflict")
	}
	if !errors.Is(mapError(&pgconn.PgError{Code: "23503"}), ErrIntegrity) {
		t.Fatal("fk violation must map to ErrIntegrity")
	}
	other := errors.New("boom")
	if !errors.Is(mapError(other), other) {
		t.Fatal("unknown errors pass through")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ledger_events_principal_seq"})
	if !IsUniqueViolation(err, "") {
		t.Fatal("expected unique violation")
	}
	if !IsUniqueViolation(err, "ledger_events_principal_seq") {
		t.Fatal("expected named unique violation")
	}
	if IsUniqueViolation(err, "other_constraint") {
		t.Fatal("wrong constraint name must not match")
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain errors are not unique violations")
	}
}

func TestRetryStopsOnTaxonomy(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("taxonomy errors must not retry, got %d calls", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Retry(ctx, func(context.Context) error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
