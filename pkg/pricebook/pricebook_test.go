package pricebook

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPrice(t *testing.T) {
	b := New(map[string]Entry{
		"openai:gpt-4:input_tokens": {UnitCostMinorUnits: 3, Currency: "USD"},
	})
	cost, currency, err := b.Price("openai:gpt-4:input_tokens", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 3000 || currency != "USD" {
		t.Fatalf("unexpected price: %d %s", cost, currency)
	}
	_, _, err = b.Price("unknown:thing", 1)
	if !errors.Is(err, ErrUnknownResource) {
		t.Fatalf("expected ErrUnknownResource, got %v", err)
	}
}

func TestLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricebook.json")
	if err := os.WriteFile(path, []byte(`{"a:b:c":{"unit_cost_minor_units":5,"currency":"USD"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if b.Size() != 1 {
		t.Fatalf("expected 1 entry, got %d", b.Size())
	}

	// A bad reload must leave the previous contents in effect.
	if err := os.WriteFile(path, []byte(`{"a:b:c":{"unit_cost_minor_units":-1,"currency":"USD"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.Reload(path); err == nil {
		t.Fatal("expected reload error for negative cost")
	}
	cost, _, err := b.Price("a:b:c", 2)
	if err != nil || cost != 10 {
		t.Fatalf("previous book must survive failed reload: cost=%d err=%v", cost, err)
	}

	if err := os.WriteFile(path, []byte(`{"a:b:c":{"unit_cost_minor_units":7,"currency":"EUR"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := b.Reload(path); err != nil {
		t.Fatal(err)
	}
	cost, currency, err := b.Price("a:b:c", 1)
	if err != nil || cost != 7 || currency != "EUR" {
		t.Fatalf("reload must swap atomically: cost=%d currency=%s err=%v", cost, currency, err)
	}
}

func TestLoadRejectsBadCurrency(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricebook.json")
	if err := os.WriteFile(path, []byte(`{"a:b:c":{"unit_cost_minor_units":5,"currency":"USDX"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for 4-letter currency")
	}
}
