package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Caller is the retrying JSON client used by the SDK and for
// service-to-service calls. Transport errors and 5xx responses retry with a
// doubling delay; 4xx responses are decisions, not transients, and return
// immediately as an *APIError.
type Caller struct {
	HTTPClient *http.Client
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
}

// APIError carries a decoded error envelope from a non-2xx response.
type APIError struct {
	Status        int
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// DoJSON performs one JSON request. On 2xx it decodes the body into out (when
// out is non-nil); on any other status it returns an *APIError built from the
// error envelope.
func (c *Caller) DoJSON(ctx context.Context, method, url string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	status, respBody, err := c.do(ctx, method, url, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeAPIError(status, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Caller) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.AuthToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < c.Retries {
			lastErr = fmt.Errorf("upstream returned %d", resp.StatusCode)
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func decodeAPIError(status int, body []byte) error {
	var envelope ErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error == "" {
		envelope.Error = http.StatusText(status)
	}
	return &APIError{Status: status, Message: envelope.Error, CorrelationID: envelope.CorrelationID}
}
