package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/evaluate", 200, 15*time.Millisecond)
	r.Observe("POST /v1/evaluate", 503, 35*time.Millisecond)
	r.IncDecision("Allow")
	r.IncDecision("Allow")
	r.IncDecision("OutOfScope")
	r.IncEventType("metering")
	r.AddSpend(1500)
	r.SetGauge("pipeline_lag_events", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["POST /v1/evaluate"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Decisions["Allow"] != 2 || snap.Decisions["OutOfScope"] != 1 {
		t.Fatalf("unexpected decision counts: %v", snap.Decisions)
	}
	if snap.EventTypes["metering"] != 1 {
		t.Fatalf("expected metering=1 got=%d", snap.EventTypes["metering"])
	}
	if snap.SpendTotalMinorUnits != 1500 {
		t.Fatalf("expected spend total 1500, got %d", snap.SpendTotalMinorUnits)
	}
	if snap.Gauges["pipeline_lag_events"] != 3 {
		t.Fatalf("unexpected gauge: %v", snap.Gauges)
	}
}

func TestRegistryEvalLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveEvalLatency(4 * time.Millisecond)
	r.ObserveEvalLatency(9 * time.Millisecond)
	snap := r.Snapshot()
	if snap.EvalLatencyMS.Count != 2 {
		t.Fatalf("expected 2 observations, got %d", snap.EvalLatencyMS.Count)
	}
	if snap.EvalLatencyMS.MaxMS != 9 {
		t.Fatalf("expected max 9ms, got %d", snap.EvalLatencyMS.MaxMS)
	}
	if len(snap.Histograms) == 0 {
		t.Fatal("eval latency must feed the histogram registry")
	}
}

func TestRegistryHandler(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("Revoked")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `"Revoked": 1`) {
		t.Fatalf("snapshot must include decision counts: %s", rec.Body.String())
	}
}

func TestIncDecisionEmptyReason(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("  ")
	if r.Snapshot().Decisions["Unknown"] != 1 {
		t.Fatal("blank reasons count as Unknown")
	}
}
