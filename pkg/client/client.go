// Package client is the engine-side HTTP client for the coordinator API,
// plus a Poller that heartbeats, claims and reports on behalf of a handler.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jdziat/workgate/pkg/api"
	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
)

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	Status        int
	Code          string
	Message       string
	CorrelationID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("workgate api: %d %s: %s (correlation %s)", e.Status, e.Code, e.Message, e.CorrelationID)
}

// Unwrap maps well-known codes onto the core sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeInvalidToken:
		return core.ErrInvalidToken
	case api.CodeTerminal:
		return core.ErrAlreadyTerminal
	case api.CodeNotFound:
		return core.ErrUnitNotFound
	case api.CodeUnknown:
		return core.ErrUnknownWorker
	case api.CodeTransition:
		return core.ErrInvalidAction
	}
	return nil
}

// Option configures a Client.
type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return optionFunc(func(c *Client) { c.token = token })
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return optionFunc(func(c *Client) { c.http = h })
}

// WithRetry replaces the retry policy for transient failures.
func WithRetry(cfg RetryConfig) Option {
	return optionFunc(func(c *Client) { c.retry = cfg })
}

// Client calls the engine routes of the coordinator API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   RetryConfig
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// Claim is a leased unit and the token that fences it.
type Claim struct {
	Unit           *core.WorkUnit
	Token          string
	LeaseExpiresAt time.Time
}

// Heartbeat registers or refreshes this engine.
func (c *Client) Heartbeat(ctx context.Context, req coordinator.HeartbeatRequest) (*core.EngineWorker, error) {
	var w core.EngineWorker
	if _, err := c.call(ctx, http.MethodPost, "/v1/engine/heartbeat", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ClaimNext leases the next unit, or returns nil when nothing is claimable.
func (c *Client) ClaimNext(ctx context.Context, req coordinator.ClaimRequest) (*Claim, error) {
	var resp api.ClaimResponse
	status, err := c.call(ctx, http.MethodPost, "/v1/engine/claim", req, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || resp.Unit == nil {
		return nil, nil
	}
	cl := &Claim{Unit: resp.Unit, Token: resp.Token}
	if resp.LeaseExpiresAt != nil {
		cl.LeaseExpiresAt = *resp.LeaseExpiresAt
	}
	return cl, nil
}

// Complete reports a finished unit.
func (c *Client) Complete(ctx context.Context, req coordinator.CompleteRequest) (*core.WorkUnit, error) {
	var u core.WorkUnit
	if _, err := c.call(ctx, http.MethodPost, "/v1/units/"+req.UnitID+"/complete", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Fail reports a failed attempt.
func (c *Client) Fail(ctx context.Context, req coordinator.FailRequest) (*core.WorkUnit, error) {
	var u core.WorkUnit
	if _, err := c.call(ctx, http.MethodPost, "/v1/units/"+req.UnitID+"/fail", req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// LogEvent attaches a log line to a unit's audit trail.
func (c *Client) LogEvent(ctx context.Context, req coordinator.LogEventRequest) error {
	_, err := c.call(ctx, http.MethodPost, "/v1/units/"+req.UnitID+"/events", req, nil)
	return err
}

// call sends one JSON request with retries and decodes the response into out.
func (c *Client) call(ctx context.Context, method, path string, in, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("client: encode request: %w", err)
	}

	var status int
	err = retryWithBackoff(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("client: %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if status >= 300 {
			return decodeAPIError(resp)
		}
		if out == nil || status == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode %s response: %w", path, err)
		}
		return nil
	})
	return status, err
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var body api.ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error.Code != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.CorrelationID = body.CorrelationID
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.CorrelationID == "" {
		apiErr.CorrelationID = resp.Header.Get("X-Request-Id")
	}
	return apiErr
}
