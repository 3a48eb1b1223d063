// Package runnerclient provides the HTTP client for the runner services.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhongli1990/saas-codex/internal/recovery"
)

// StatusError is returned when a runner answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runner returned status %d: %s", e.Code, e.Body)
}

// ErrMissingField is returned when a runner response lacks its id.
var ErrMissingField = errors.New("runner response missing field")

// Client talks to one runner.
type Client struct {
	baseURL    string
	httpClient *http.Client
	streamer   *http.Client
}

var _ recovery.Runner = (*Client)(nil)

// NewClient creates a runner client. requestTimeout bounds plain API calls;
// event streams are only bounded by connectTimeout while connecting.
func NewClient(baseURL string, connectTimeout, requestTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: connectTimeout,
		MaxIdleConnsPerHost:   16,
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout, Transport: transport},
		streamer:   &http.Client{Transport: transport},
	}
}

// BaseURL returns the runner's base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateThread implements recovery.Runner.
func (c *Client) CreateThread(ctx context.Context, workingDirectory string) (string, error) {
	var resp struct {
		ThreadID string `json:"threadId"`
	}
	body := map[string]interface{}{"workingDirectory": workingDirectory, "skipGitRepoCheck": false}
	if err := c.postJSON(ctx, "/threads", body, &resp); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}
	if resp.ThreadID == "" {
		return "", fmt.Errorf("threadId: %w", ErrMissingField)
	}
	return resp.ThreadID, nil
}

// threadNotFound is the runner's error text for an unknown or expired thread.
const threadNotFound = "thread not found"

// StartRun implements recovery.Runner. A 404 whose body names the missing
// thread is reported as recovery.ErrStaleThread. Any other 404, such as a
// wrong base URL, stays a StatusError.
func (c *Client) StartRun(ctx context.Context, threadID, prompt string) (string, error) {
	var resp struct {
		RunID string `json:"runId"`
	}
	body := map[string]string{"threadId": threadID, "prompt": prompt}
	if err := c.postJSON(ctx, "/runs", body, &resp); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound &&
			strings.Contains(strings.ToLower(statusErr.Body), threadNotFound) {
			return "", fmt.Errorf("%w: %s", recovery.ErrStaleThread, statusErr.Body)
		}
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	if resp.RunID == "" {
		return "", fmt.Errorf("runId: %w", ErrMissingField)
	}
	return resp.RunID, nil
}

// OpenEvents implements relay.Upstream. The caller closes the body.
func (c *Client) OpenEvents(ctx context.Context, runID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(runID)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to runner: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}
	return resp.Body, nil
}

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runner unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
