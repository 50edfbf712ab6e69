package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Garudex-Labs/Caracal/pkg/evaluate"
	"github.com/Garudex-Labs/Caracal/pkg/httpx"
	"github.com/Garudex-Labs/Caracal/pkg/keys"
	"github.com/Garudex-Labs/Caracal/pkg/mandate"
	"github.com/Garudex-Labs/Caracal/pkg/merkle"
	"github.com/Garudex-Labs/Caracal/pkg/models"
	"github.com/Garudex-Labs/Caracal/pkg/ratelimit"
	"github.com/Garudex-Labs/Caracal/pkg/store"
	"github.com/Garudex-Labs/Caracal/pkg/stream"

	segkafka "github.com/segmentio/kafka-go"
)

// --- middleware ---

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = r.Method + " " + rctx.RoutePattern()
		}
		s.Metrics.Observe(route, rec.status, time.Since(start))
		s.Metrics.ObserveLatency(route, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled {
			next(w, r)
			return
		}
		principal := r.Header.Get("X-Principal-ID")
		if principal == "" {
			principal = r.RemoteAddr
		}
		result := s.RateLimiter.Allow(ratelimit.EvaluateKey(principal), s.RateLimitPerMin)
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(result.RetryAfter.Seconds())+1, 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

// --- evaluate ---

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req models.EvaluateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.MandateID == uuid.Nil || req.RequestedAction == "" || req.RequestedResource == "" {
		httpx.Error(w, http.StatusBadRequest, "mandate_id, requested_action and requested_resource required")
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	decision := s.Evaluator.Evaluate(r.Context(), req)
	s.publishDecision(r.Context(), req, decision)
	httpx.WriteJSON(w, http.StatusOK, decision.Response())
}

func (s *Server) publishDecision(ctx context.Context, req models.EvaluateRequest, decision evaluate.Decision) {
	principalID := ""
	if decision.Mandate != nil {
		principalID = decision.Mandate.Subject.String()
	}
	payload, err := json.Marshal(map[string]any{
		"version":            1,
		"principal_id":       principalID,
		"mandate_id":         req.MandateID.String(),
		"requested_action":   req.RequestedAction,
		"requested_resource": req.RequestedResource,
		"allowed":            decision.Allowed,
		"reason":             decision.Reason,
		"correlation_id":     req.CorrelationID,
		"evaluated_at_ms":    decision.EvaluatedAt.UnixMilli(),
	})
	if err != nil {
		return
	}
	s.Hub.Publish(stream.DecisionEvent(payload))
	if s.Decisions == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Decisions.WriteMessages(pubCtx, segkafka.Message{
		Key:   []byte(req.MandateID.String()),
		Value: payload,
	}); err != nil {
		s.Log.Warn().Err(err).Msg("decision publish failed")
	}
}

// --- principals ---

type createPrincipalRequest struct {
	DisplayName string     `json:"display_name"`
	Owner       string     `json:"owner"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
}

type createPrincipalResponse struct {
	Principal models.Principal `json:"principal"`
	// SEC 1 DER, base64. Returned exactly once at registration.
	PrivateKey []byte `json:"private_key"`
}

func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req createPrincipalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DisplayName == "" {
		httpx.Error(w, http.StatusBadRequest, "display_name required")
		return
	}

	priv, err := keys.GenerateKeypair()
	if err != nil {
		s.fail(w, err)
		return
	}
	pubDER, err := keys.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		s.fail(w, err)
		return
	}
	privDER, err := keys.MarshalPrivateKey(priv)
	if err != nil {
		s.fail(w, err)
		return
	}
	principal := models.Principal{
		ID:          uuid.New(),
		DisplayName: req.DisplayName,
		Owner:       req.Owner,
		PublicKey:   pubDER,
		ParentID:    req.ParentID,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	err = store.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		if err := (&store.PrincipalRepo{DB: tx}).Create(r.Context(), principal); err != nil {
			return err
		}
		return (&store.KeyringRepo{DB: tx}).Put(r.Context(), principal.ID, privDER)
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, createPrincipalResponse{Principal: principal, PrivateKey: privDER})
}

func (s *Server) handleGetPrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "principal_id")
	if !ok {
		return
	}
	principal, err := s.Principals.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, principal)
}

// --- policies ---

type setPolicyRequest struct {
	Resources          []string `json:"resources"`
	Actions            []string `json:"actions"`
	MaxValidityMS      int64    `json:"max_validity_ms"`
	MaxDelegationDepth int      `json:"max_delegation_depth"`
	AllowDelegation    bool     `json:"allow_delegation"`
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathUUID(w, r, "principal_id")
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req setPolicyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Resources) == 0 || len(req.Actions) == 0 || req.MaxValidityMS <= 0 {
		httpx.Error(w, http.StatusBadRequest, "resources, actions and max_validity_ms required")
		return
	}
	policy := models.AuthorityPolicy{
		ID:                 uuid.New(),
		PrincipalID:        principalID,
		Resources:          req.Resources,
		Actions:            req.Actions,
		MaxValidityMS:      req.MaxValidityMS,
		MaxDelegationDepth: req.MaxDelegationDepth,
		AllowDelegation:    req.AllowDelegation,
		CreatedAt:          time.Now().UTC(),
	}
	var saved models.AuthorityPolicy
	err := store.WithTx(r.Context(), s.Pool, func(tx pgx.Tx) error {
		var txErr error
		saved, txErr = (&store.PolicyRepo{DB: tx}).SetActive(r.Context(), policy)
		return txErr
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.Evaluator.InvalidatePolicy(principalID)
	httpx.WriteJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathUUID(w, r, "principal_id")
	if !ok {
		return
	}
	policy, err := s.Policies.GetActive(r.Context(), principalID)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, policy)
}

func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathUUID(w, r, "principal_id")
	if !ok {
		return
	}
	history, err := s.Policies.History(r.Context(), principalID)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, history)
}

// --- mandates ---

type issueMandateRequest struct {
	Issuer          uuid.UUID       `json:"issuer"`
	Subject         uuid.UUID       `json:"subject"`
	Resources       []string        `json:"resources"`
	Actions         []string        `json:"actions"`
	NotBeforeMS     int64           `json:"not_before_ms"`
	NotAfterMS      int64           `json:"not_after_ms"`
	IntentClaim     json.RawMessage `json:"intent_claim,omitempty"`
	ParentMandateID *uuid.UUID      `json:"parent_mandate_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
}

func (s *Server) handleIssueMandate(w http.ResponseWriter, r *http.Request) {
	s.issueMandate(w, r, nil)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	parentID, ok := pathUUID(w, r, "mandate_id")
	if !ok {
		return
	}
	s.issueMandate(w, r, &parentID)
}

func (s *Server) issueMandate(w http.ResponseWriter, r *http.Request, parentFromPath *uuid.UUID) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req issueMandateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Issuer == uuid.Nil || req.Subject == uuid.Nil {
		httpx.Error(w, http.StatusBadRequest, "issuer and subject required")
		return
	}
	if len(req.Resources) == 0 || len(req.Actions) == 0 {
		httpx.Error(w, http.StatusBadRequest, "resources and actions required")
		return
	}
	intentHash := ""
	if len(req.IntentClaim) > 0 {
		var err error
		intentHash, err = models.IntentHash(req.IntentClaim)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	parent := req.ParentMandateID
	if parentFromPath != nil {
		parent = parentFromPath
	}
	issued, err := s.Manager.Issue(r.Context(), mandate.IssueRequest{
		Issuer:          req.Issuer,
		Subject:         req.Subject,
		Resources:       req.Resources,
		Actions:         req.Actions,
		NotBeforeMS:     req.NotBeforeMS,
		NotAfterMS:      req.NotAfterMS,
		IntentHash:      intentHash,
		ParentMandateID: parent,
		CorrelationID:   req.CorrelationID,
	})
	if err != nil {
		s.failMandate(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleGetMandate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "mandate_id")
	if !ok {
		return
	}
	m, err := s.Mandates.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

type revokeRequest struct {
	Revoker       uuid.UUID `json:"revoker"`
	Reason        string    `json:"reason"`
	Cascade       bool      `json:"cascade"`
	AsAdmin       bool      `json:"as_admin"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "mandate_id")
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Revoker == uuid.Nil {
		httpx.Error(w, http.StatusBadRequest, "revoker required")
		return
	}
	err := s.Manager.Revoke(r.Context(), mandate.RevokeRequest{
		Revoker:       req.Revoker,
		MandateID:     id,
		Reason:        req.Reason,
		Cascade:       req.Cascade,
		AsAdmin:       req.AsAdmin,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.failMandate(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"revoked": true, "cascade": req.Cascade})
}

// --- ledger / audit ---

func (s *Server) handleLedgerQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.QueryFilter{
		Type:          models.EventType(q.Get("type")),
		CorrelationID: q.Get("correlation_id"),
		Limit:         queryInt(q.Get("limit"), 100),
		Offset:        queryInt(q.Get("offset"), 0),
	}
	if raw := q.Get("principal_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid principal_id")
			return
		}
		filter.PrincipalID = &id
	}
	if raw := q.Get("from_ms"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid from_ms")
			return
		}
		filter.FromMS = &v
	}
	if raw := q.Get("to_ms"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid to_ms")
			return
		}
		filter.ToMS = &v
	}
	events, err := s.Ledger.Query(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if q.Get("format") == "csv" {
		writeEventsCSV(w, events)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func writeEventsCSV(w http.ResponseWriter, events []models.LedgerEvent) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "partition", "ts_ms", "principal_id", "type", "mandate_id", "action", "resource", "cost_minor_units", "currency", "outcome", "correlation_id"})
	for _, e := range events {
		mandateID := ""
		if e.MandateID != nil {
			mandateID = e.MandateID.String()
		}
		cost := ""
		if e.CostMinorUnits != nil {
			cost = strconv.FormatInt(*e.CostMinorUnits, 10)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			strconv.FormatInt(int64(e.Partition), 10),
			strconv.FormatInt(e.TSMS, 10),
			e.PrincipalID.String(),
			string(e.Type),
			mandateID,
			e.Action,
			e.Resource,
			cost,
			e.Currency,
			e.Outcome,
			e.CorrelationID,
		})
	}
	cw.Flush()
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseInt(chi.URLParam(r, "event_id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid event id")
		return
	}
	partition := int32(queryInt(r.URL.Query().Get("partition"), int(s.Partition)))
	proof, batch, err := s.Prover.ProveEvent(r.Context(), partition, eventID)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"proof": proof, "batch": batch})
}

type verifyRequest struct {
	Proof models.InclusionProof `json:"proof"`
	Batch models.MerkleBatch    `json:"batch"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	valid := merkle.VerifyInclusion(req.Proof, req.Batch, s.RootKey.Public())
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// --- spending ---

func (s *Server) handleSpending(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathUUID(w, r, "principal_id")
	if !ok {
		return
	}
	nowMS := time.Now().UnixMilli()
	fromMS := int64(queryInt64(r.URL.Query().Get("from_ms"), nowMS-24*3_600_000))
	toMS := int64(queryInt64(r.URL.Query().Get("to_ms"), nowMS))
	total, err := s.Spending.Sum(r.Context(), principalID, fromMS, toMS)
	if err != nil {
		s.fail(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"principal_id":      principalID,
		"from_ms":           fromMS,
		"to_ms":             toMS,
		"total_minor_units": total,
	})
}

// --- stream ---

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	for name, stats := range s.Evaluator.CacheStatsSnapshot() {
		s.Metrics.SetGauge("cache_"+name+"_hits", float64(stats.Hits))
		s.Metrics.SetGauge("cache_"+name+"_misses", float64(stats.Misses))
		s.Metrics.SetGauge("cache_"+name+"_evictions", float64(stats.Evictions))
		s.Metrics.SetGauge("cache_"+name+"_size", float64(stats.Size))
	}
	hub := s.Hub.Stats()
	s.Metrics.SetGauge("stream_subscribers", float64(hub.Subscribers))
	s.Metrics.SetGauge("stream_dropped_events", float64(hub.Dropped))
	s.Metrics.Handler()(w, r)
}

// --- helpers ---

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		httpx.Error(w, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrIntegrity):
		httpx.Error(w, http.StatusUnprocessableEntity, "integrity violation")
	default:
		s.Log.Error().Err(err).Msg("request failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) failMandate(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mandate.ErrNoAuthority),
		errors.Is(err, mandate.ErrScopeExceedsPolicy),
		errors.Is(err, mandate.ErrValidityExceedsMax),
		errors.Is(err, mandate.ErrDelegationNotAllowed),
		errors.Is(err, mandate.ErrDepthExceeded),
		errors.Is(err, mandate.ErrParentRevoked),
		errors.Is(err, mandate.ErrParentInactive),
		errors.Is(err, mandate.ErrScopeExceedsParent),
		errors.Is(err, mandate.ErrValidityExceedsParnt),
		errors.Is(err, mandate.ErrNotDelegator),
		errors.Is(err, mandate.ErrInvalidWindow):
		httpx.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, mandate.ErrNotAuthorized):
		httpx.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, mandate.ErrAlreadyRevoked):
		httpx.Error(w, http.StatusConflict, err.Error())
	default:
		s.fail(w, err)
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func queryInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v
	}
	return def
}
