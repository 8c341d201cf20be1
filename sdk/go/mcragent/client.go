// Package mcragent provides a small typed client for the MCR Agent REST API.
package mcragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// HeaderCorrelationID carries the request correlation id end to end.
const HeaderCorrelationID = "X-Correlation-Id"

// Client wraps the HTTP interactions with the MCR Agent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// RunRequest is the payload for both synchronous and asynchronous runs.
type RunRequest struct {
	Prompt        string         `json:"prompt"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Output        string         `json:"output,omitempty"`
}

// StepCall identifies one backend call made during a run.
type StepCall struct {
	Operation     string         `json:"operation"`
	Args          map[string]any `json:"args,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// StepResult is the outcome of one backend call.
type StepResult struct {
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Step pairs a call with its result.
type Step struct {
	Call   StepCall    `json:"call"`
	Result *StepResult `json:"result"`
}

// RunState is the terminal snapshot of the workflow state machine.
type RunState struct {
	Phase         string `json:"phase"`
	TicketNumber  string `json:"ticket_number,omitempty"`
	Verdict       string `json:"verdict"`
	CaseID        string `json:"case_id,omitempty"`
	LastOperation string `json:"last_operation,omitempty"`
}

// RunResult is the terminal conclusion of a workflow run, including the
// rendered output and the full ordered trace of backend calls.
type RunResult struct {
	CorrelationID string          `json:"correlation_id"`
	Outcome       string          `json:"outcome"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	State         RunState        `json:"state"`
	Steps         []Step          `json:"steps"`
	Output        json.RawMessage `json:"output,omitempty"`
}

// Run describes an asynchronous run record.
type Run struct {
	ID            string          `json:"id"`
	Prompt        string          `json:"prompt"`
	SessionID     string          `json:"session_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Result        *RunResult      `json:"result,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListRunsOptions filters the run listing endpoint.
type ListRunsOptions struct {
	Limit         int
	Offset        int
	Statuses      []string
	SessionID     string
	CorrelationID string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mcragent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mcragent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MCR Agent API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken stores the bearer token attached to every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// RunAgent executes a run synchronously and returns its terminal result.
func (c *Client) RunAgent(ctx context.Context, req RunRequest) (*RunResult, error) {
	var result RunResult
	if err := c.post(ctx, "/api/v1/agent/run", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitRun enqueues an asynchronous run and returns the pending record.
func (c *Client) SubmitRun(ctx context.Context, req RunRequest) (*Run, error) {
	var created Run
	if err := c.post(ctx, "/api/v1/runs", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetRun fetches one run by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var record Run
	endpoint := "/api/v1/runs/" + url.PathEscape(runID)
	if err := c.get(ctx, endpoint, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRuns fetches runs matching the provided filters.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) ([]Run, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		joined := opts.Statuses[0]
		for _, status := range opts.Statuses[1:] {
			joined += "," + status
		}
		query.Set("status", joined)
	}
	if opts.SessionID != "" {
		query.Set("session_id", opts.SessionID)
	}
	if opts.CorrelationID != "" {
		query.Set("correlation_id", opts.CorrelationID)
	}
	endpoint := "/api/v1/runs"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var runs []Run
	if err := c.get(ctx, endpoint, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Stats fetches aggregate run counts.
func (c *Client) Stats(ctx context.Context) (*RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/api/v1/runs/stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// WaitForRun polls a run until it reaches a terminal status or the context
// is cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if record.Status == "succeeded" || record.Status == "failed" {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
