package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rmax-ai/pulse/pkg/backoff"
)

// Client is the pulse daemon SDK client.
type Client struct {
	endpoint   string
	http       *http.Client
	backoff    backoff.Strategy
	maxRetries int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets how idempotent requests are retried.
func WithRetry(strategy backoff.Strategy, maxRetries int) Option {
	return func(c *Client) {
		c.backoff = strategy
		c.maxRetries = maxRetries
	}
}

// NewClient creates a new pulse client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: 10 * time.Second},
		backoff:    backoff.Default(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the daemon base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Health, error) {
	var h Health
	err := c.get(ctx, "/v1/health", &h)
	return h, err
}

// StartRun starts a run. Validation failures come back as *APIError with
// status 400.
func (c *Client) StartRun(ctx context.Context, req RunRequest) (RunHandle, error) {
	var h RunHandle
	err := c.send(ctx, http.MethodPost, "/v1/runs", req, &h)
	return h, err
}

// GetRun fetches the status of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (RunStatus, error) {
	var st RunStatus
	err := c.get(ctx, "/v1/runs/"+url.PathEscape(runID), &st)
	return st, err
}

// ListRuns lists runs newest first, optionally filtered by status.
func (c *Client) ListRuns(ctx context.Context, status string) ([]RunStatus, error) {
	path := "/v1/runs"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var runs []RunStatus
	err := c.get(ctx, path, &runs)
	return runs, err
}

// CancelRun requests a cooperative stop.
func (c *Client) CancelRun(ctx context.Context, runID string) (RunHandle, error) {
	var h RunHandle
	err := c.send(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &h)
	return h, err
}

// WaitRun polls until the run is terminal or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (RunStatus, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.GetRun(ctx, runID)
		if err != nil {
			return st, err
		}
		if st.Terminal() {
			return st, nil
		}
		if err := backoff.Sleep(ctx, interval); err != nil {
			return st, err
		}
	}
}

// StreamProgress attaches to a run's progress stream and calls fn for every
// line until the stream ends, fn returns an error, or ctx is done. Only one
// consumer may attach to a run.
func (c *Client) StreamProgress(ctx context.Context, runID string, fn func(ProgressLine) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/runs/"+url.PathEscape(runID)+"/progress", nil)
	if err != nil {
		return err
	}
	// The stream outlives the client's default timeout.
	streaming := *c.http
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var line ProgressLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return fmt.Errorf("failed to decode progress line: %w", err)
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

// Report downloads a run's per-phase report ("json" or "csv").
func (c *Client) Report(ctx context.Context, runID, format string) ([]byte, error) {
	path := "/v1/runs/" + url.PathEscape(runID) + "/report"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	var out []byte
	err := c.retry(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return decodeError(resp)
		}
		out, err = io.ReadAll(resp.Body)
		return err
	})
	return out, err
}

// ListScenarios lists catalog scenarios.
func (c *Client) ListScenarios(ctx context.Context) ([]Scenario, error) {
	var out []Scenario
	err := c.get(ctx, "/v1/scenarios", &out)
	return out, err
}

// GetScenario fetches one scenario.
func (c *Client) GetScenario(ctx context.Context, id string) (Scenario, error) {
	var out Scenario
	err := c.get(ctx, "/v1/scenarios/"+url.PathEscape(id), &out)
	return out, err
}

// ListDestinations lists catalog destinations.
func (c *Client) ListDestinations(ctx context.Context) ([]Destination, error) {
	var out []Destination
	err := c.get(ctx, "/v1/destinations", &out)
	return out, err
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// get is an idempotent request and is retried on transport errors and 5xx.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.retry(ctx, func() error {
		return c.send(ctx, http.MethodGet, path, nil, out)
	})
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !retryable(err) || attempt >= c.maxRetries {
			return err
		}
		if serr := backoff.Sleep(ctx, c.backoff.Next(attempt)); serr != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
