// Package client provides typed access to the slipway API for interactive
// tools.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:7000"

// Client talks to a slipway server.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client used for request and
// response calls. Event streaming keeps its own client without a global
// timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided server base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Operator-Token", strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Run mirrors the server's run payload.
type Run struct {
	ID          string     `json:"id"`
	Commit      string     `json:"commit"`
	Branch      string     `json:"branch"`
	Tag         string     `json:"tag"`
	ImageRef    string     `json:"image_ref"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Error       string     `json:"error"`
	TriggeredBy string     `json:"triggered_by"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the run reached an end state.
func (r Run) Terminal() bool {
	return r.Status == "failed" || r.Status == "succeeded"
}

// Event is one entry of a run's event stream.
type Event struct {
	RunID   string    `json:"run_id"`
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// TriggerInput captures the payload for starting a run.
type TriggerInput struct {
	Commit string `json:"commit"`
	Branch string `json:"branch,omitempty"`
}

// TriggerRun requests a new pipeline run.
func (c *Client) TriggerRun(ctx context.Context, token string, input TriggerInput) (Run, error) {
	var r Run
	if err := c.do(ctx, http.MethodPost, "/api/runs", input, token, &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

// ListRuns fetches recent runs, newest first.
func (c *Client) ListRuns(ctx context.Context, token string, limit int) ([]Run, error) {
	path := "/api/runs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches one run by identifier.
func (c *Client) GetRun(ctx context.Context, token, runID string) (Run, error) {
	path := fmt.Sprintf("/api/runs/%s", url.PathEscape(runID))
	var r Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &r); err != nil {
		return Run{}, err
	}
	return r, nil
}

// ComponentHealth is one dependency's state in the health payload.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is the server health payload.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	ActiveRun  string                     `json:"active_run,omitempty"`
	Timestamp  string                     `json:"timestamp"`
}

// GetHealth inspects the server's health endpoint. A degraded server
// responds with 503 and still carries a health payload, so both 200 and 503
// decode.
func (c *Client) GetHealth(ctx context.Context) (Health, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("decode response: %w", err)
	}
	return h, nil
}

// StreamEvents subscribes to a run's server-sent event stream and invokes fn
// for each event until the stream closes, the context ends, or fn returns a
// non-nil error, which stops the stream and is returned as-is.
func (c *Client) StreamEvents(ctx context.Context, token, runID string, fn func(Event) error) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := fmt.Sprintf("%s/api/runs/%s/events", c.baseURL, url.PathEscape(runID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Operator-Token", strings.TrimSpace(token))
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
