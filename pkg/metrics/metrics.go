package metrics

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics sink, served as JSON at /metrics.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	decisions   map[string]int64
	eventTypes  map[string]int64
	gauges      map[string]float64
	spendTotal  int64
	evalLatency EvalLatencyStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type EvalLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Decisions            map[string]int64        `json:"decisions"`
	EventTypes           map[string]int64        `json:"event_types"`
	Gauges               map[string]float64      `json:"gauges"`
	SpendTotalMinorUnits int64                   `json:"spend_total_minor_units"`
	EvalLatencyMS        EvalLatencyStat         `json:"eval_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		decisions:  map[string]int64{},
		eventTypes: map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// Observe records one HTTP request against its route.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts an evaluator outcome by reason.
func (r *Registry) IncDecision(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown"
	}
	r.mu.Lock()
	r.decisions[reason]++
	r.mu.Unlock()
}

// IncEventType counts one consumed pipeline event.
func (r *Registry) IncEventType(eventType string) {
	if eventType == "" {
		return
	}
	r.mu.Lock()
	r.eventTypes[eventType]++
	r.mu.Unlock()
}

// AddSpend accumulates metering cost seen by the aggregator group.
func (r *Registry) AddSpend(costMinorUnits int64) {
	if costMinorUnits <= 0 {
		return
	}
	r.mu.Lock()
	r.spendTotal += costMinorUnits
	r.mu.Unlock()
}

// ObserveEvalLatency tracks the evaluator hot-path latency.
func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
	r.Histograms.ObserveDuration("evaluate", d)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
		Endpoints:            make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:            make(map[string]int64, len(r.decisions)),
		EventTypes:           make(map[string]int64, len(r.eventTypes)),
		Gauges:               make(map[string]float64, len(r.gauges)),
		SpendTotalMinorUnits: r.spendTotal,
		EvalLatencyMS:        r.evalLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decisions {
		out.Decisions[k] = v
	}
	for k, v := range r.eventTypes {
		out.EventTypes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}
