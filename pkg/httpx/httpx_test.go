package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorWithCorrelation(rec, http.StatusForbidden, "policy denied", "corr-9")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error != "policy denied" || env.CorrelationID != "corr-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	rec = httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "not found")
	if strings.Contains(rec.Body.String(), "correlation_id") {
		t.Fatalf("empty correlation id must be omitted: %s", rec.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rec, req)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBearerAuthMiddleware(t *testing.T) {
	protected := BearerAuthMiddleware("s3cret")(okHandler())

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token must 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/ledger", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token must 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/ledger", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct token must pass, got %d", rec.Code)
	}

	// Empty configured token disables the check.
	open := BearerAuthMiddleware("")(okHandler())
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty token must disable auth, got %d", rec.Code)
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	capped := MaxBodyMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		if _, err := r.Body.Read(buf); err != nil && err.Error() != "EOF" {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(strings.Repeat("x", 64)))
	capped.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body must 413, got %d", rec.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware("https://ops.example.com")(okHandler())

	// No Origin header: plain pass-through.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ledger", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("service calls must bypass CORS: %d %v", rec.Code, rec.Header())
	}

	// Allowed origin gets the headers.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/ledger", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("expected allow-origin echo, got %q", got)
	}

	// Disallowed preflight is rejected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/v1/ledger", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed preflight must 403, got %d", rec.Code)
	}

	// Allowed preflight short-circuits with 204.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodOptions, "/v1/ledger", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("allowed preflight must 204, got %d", rec.Code)
	}
}
