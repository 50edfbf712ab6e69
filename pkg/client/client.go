// Package client is the Go SDK for the gateway API, used by the intercepting
// proxy and the MCP tool adapter to ask for decisions before executing.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Garudex-Labs/Caracal/pkg/httpx"
	"github.com/Garudex-Labs/Caracal/pkg/models"
)

// APIError is re-exported so SDK callers don't import httpx for error checks.
type APIError = httpx.APIError

type Client struct {
	BaseURL string
	Caller  *httpx.Caller
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Caller: &httpx.Caller{
			HTTPClient: &http.Client{Timeout: timeout},
			Retries:    2,
			RetryDelay: 200 * time.Millisecond,
		},
	}
}

// SetAuthToken installs the gateway service token on every request.
func (c *Client) SetAuthToken(token string) {
	c.Caller.AuthToken = token
}

// Evaluate asks whether a mandate authorizes the requested action. Denials
// come back as a response, never an error.
func (c *Client) Evaluate(ctx context.Context, req models.EvaluateRequest) (models.EvaluateResponse, error) {
	var resp models.EvaluateResponse
	err := c.Caller.DoJSON(ctx, http.MethodPost, c.BaseURL+"/v1/evaluate", req, &resp)
	return resp, err
}

// IssueMandateRequest is the wire form of a mandate issuance.
type IssueMandateRequest struct {
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

func (c *Client) IssueMandate(ctx context.Context, req IssueMandateRequest) (models.ExecutionMandate, error) {
	var out models.ExecutionMandate
	err := c.Caller.DoJSON(ctx, http.MethodPost, c.BaseURL+"/v1/mandates", req, &out)
	return out, err
}

func (c *Client) Delegate(ctx context.Context, parent uuid.UUID, req IssueMandateRequest) (models.ExecutionMandate, error) {
	var out models.ExecutionMandate
	err := c.Caller.DoJSON(ctx, http.MethodPost, c.BaseURL+"/v1/mandates/"+parent.String()+"/delegate", req, &out)
	return out, err
}

// RevokeMandateRequest is the wire form of a revocation.
type RevokeMandateRequest struct {
	Revoker       uuid.UUID `json:"revoker"`
	Reason        string    `json:"reason"`
	Cascade       bool      `json:"cascade"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (c *Client) RevokeMandate(ctx context.Context, mandateID uuid.UUID, req RevokeMandateRequest) error {
	return c.Caller.DoJSON(ctx, http.MethodPost, c.BaseURL+"/v1/mandates/"+mandateID.String()+"/revoke", req, nil)
}

func (c *Client) GetMandate(ctx context.Context, mandateID uuid.UUID) (models.ExecutionMandate, error) {
	var out models.ExecutionMandate
	err := c.Caller.DoJSON(ctx, http.MethodGet, c.BaseURL+"/v1/mandates/"+mandateID.String(), nil, &out)
	return out, err
}

// SpendingSummary is the windowed total for a principal.
type SpendingSummary struct {
	PrincipalID     uuid.UUID `json:"principal_id"`
	FromMS          int64     `json:"from_ms"`
	ToMS            int64     `json:"to_ms"`
	TotalMinorUnits int64     `json:"total_minor_units"`
}

func (c *Client) Spending(ctx context.Context, principal uuid.UUID, fromMS, toMS int64) (SpendingSummary, error) {
	var out SpendingSummary
	url := fmt.Sprintf("%s/v1/spending/%s?from_ms=%d&to_ms=%d", c.BaseURL, principal, fromMS, toMS)
	err := c.Caller.DoJSON(ctx, http.MethodGet, url, nil, &out)
	return out, err
}
