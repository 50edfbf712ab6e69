package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", "")
	t.Setenv("OTEL_REQUIRED", "")
	t.Setenv("OTEL_TRACES_SAMPLER", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "")

	cfg := FromEnv("  ")
	if cfg.ServiceName != "caracal" {
		t.Fatalf("blank service falls back to the namespace, got %q", cfg.ServiceName)
	}
	if cfg.Endpoint != "" || cfg.Required {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Timeout != 5*time.Second {
		t.Fatalf("expected default 5s timeout, got %v", cfg.Timeout)
	}
}

func TestFromEnvHeaders(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-auth=abc, team = core ,broken")
	cfg := FromEnv("gateway")
	want := map[string]string{"x-auth": "abc", "team": "core"}
	if !reflect.DeepEqual(cfg.Headers, want) {
		t.Fatalf("headers = %v, want %v", cfg.Headers, want)
	}
}

func TestParseSampler(t *testing.T) {
	if got := parseSampler("always_on", ""); got.Description() != trace.AlwaysSample().Description() {
		t.Fatalf("unexpected sampler: %s", got.Description())
	}
	if got := parseSampler("always_off", ""); got.Description() != trace.NeverSample().Description() {
		t.Fatalf("unexpected sampler: %s", got.Description())
	}
	ratio := parseSampler("traceidratio", "0.25")
	if ratio.Description() != trace.TraceIDRatioBased(0.25).Description() {
		t.Fatalf("unexpected ratio sampler: %s", ratio.Description())
	}
	// Out-of-range args clamp rather than fail.
	clamped := parseSampler("traceidratio", "7")
	if clamped.Description() != trace.TraceIDRatioBased(1).Description() {
		t.Fatalf("expected clamp to 1, got %s", clamped.Description())
	}
	fallback := parseSampler("bogus", "")
	if fallback.Description() != trace.ParentBased(trace.TraceIDRatioBased(1)).Description() {
		t.Fatalf("unknown samplers fall back to parent-based: %s", fallback.Description())
	}
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := InitWith(context.Background(), Config{ServiceName: "telemetry-test"})
	if err != nil {
		t.Fatalf("local-only init must succeed: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a shutdown function")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHTTPMiddlewareWraps(t *testing.T) {
	handler := HTTPMiddleware("gateway")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("wrapped handler must still run, got %d", rec.Code)
	}
}

func TestInstrumentClient(t *testing.T) {
	client := InstrumentClient(nil)
	if client == nil || client.Transport == nil {
		t.Fatal("expected an instrumented client with a transport")
	}
	custom := &http.Client{Timeout: time.Second}
	if InstrumentClient(custom) != custom {
		t.Fatal("existing clients are instrumented in place")
	}
}
