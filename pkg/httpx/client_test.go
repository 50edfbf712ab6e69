package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected json content type, got %q", ct)
		}
		WriteJSON(w, http.StatusOK, map[string]int{"n": 7})
	}))
	defer srv.Close()

	c := &Caller{AuthToken: "tok"}
	var out map[string]int
	if err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, map[string]string{"k": "v"}, &out); err != nil {
		t.Fatal(err)
	}
	if out["n"] != 7 {
		t.Fatalf("unexpected response: %v", out)
	}
}

func TestDoJSONRetriesOn5xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := &Caller{Retries: 2, RetryDelay: time.Millisecond}
	if err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoJSONDoesNotRetry4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		ErrorWithCorrelation(w, http.StatusForbidden, "scope exceeds policy", "corr-3")
	}))
	defer srv.Close()

	c := &Caller{Retries: 3, RetryDelay: time.Millisecond}
	err := c.DoJSON(context.Background(), http.MethodPost, srv.URL, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "scope exceeds policy" || apiErr.CorrelationID != "corr-3" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if calls != 1 {
		t.Fatalf("4xx must not retry, got %d calls", calls)
	}
}

func TestDoJSONBareErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Caller{}
	err := c.DoJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "Not Found" {
		t.Fatalf("non-envelope bodies fall back to the status text: %+v", apiErr)
	}
}

func TestDoJSONHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	c := &Caller{Retries: 10, RetryDelay: 20 * time.Millisecond}
	err := c.DoJSON(ctx, http.MethodGet, srv.URL, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error from retry loop, got %v", err)
	}
}
