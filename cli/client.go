package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/zhongli1990/saas-codex/internal/envelope"
)

// errStreamEnded is returned when a stream closes before a terminal event.
var errStreamEnded = errors.New("stream ended without a terminal event")

// Client talks to the backend API and, optionally, a runner WebSocket.
type Client struct {
	backend string
	http    *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		backend: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{},
	}
}

// RegisterWorkspace registers localPath and returns the workspace id.
func (c *Client) RegisterWorkspace(ctx context.Context, localPath string) (string, error) {
	var resp struct {
		WorkspaceID string `json:"workspace_id"`
	}
	body := map[string]string{"source_type": "local", "source_uri": localPath, "local_path": localPath}
	if err := c.post(ctx, "/api/workspaces", body, &resp); err != nil {
		return "", fmt.Errorf("register workspace: %w", err)
	}
	return resp.WorkspaceID, nil
}

// CreateSession opens a session on the workspace.
func (c *Client) CreateSession(ctx context.Context, workspaceID, runnerType string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]string{"workspace_id": workspaceID, "runner_type": runnerType}
	if err := c.post(ctx, "/api/sessions", body, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return resp.SessionID, nil
}

// Submission identifies a run on both the backend and the runner.
type Submission struct {
	RunID       string `json:"run_id"`
	RunnerRunID string `json:"runner_run_id"`
}

// Prompt submits a prompt on the session.
func (c *Client) Prompt(ctx context.Context, sessionID, prompt string) (*Submission, error) {
	var resp Submission
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/prompt"
	if err := c.post(ctx, path, map[string]string{"prompt": prompt}, &resp); err != nil {
		return nil, fmt.Errorf("submit prompt: %w", err)
	}
	return &resp, nil
}

// WatchSSE follows the backend event stream until a terminal envelope.
func (c *Client) WatchSSE(ctx context.Context, runID string, handle func(envelope.Envelope)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.backend+"/api/runs/"+url.PathEscape(runID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	reader := envelope.NewFrameReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}
		env, err := envelope.Decode(frame)
		if err != nil {
			continue
		}
		handle(env)
		if envelope.IsTerminal(env.Type) {
			return nil
		}
	}
}

// WatchWS follows a runner's WebSocket stream until a terminal envelope.
// wsBase is the runner's ws:// base URL.
func WatchWS(ctx context.Context, wsBase, runnerRunID string, handle func(envelope.Envelope)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	target := strings.TrimSuffix(wsBase, "/") + "/runs/" + url.PathEscape(runnerRunID) + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var env envelope.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errStreamEnded
			}
			return fmt.Errorf("read: %w", err)
		}
		handle(env)
		if envelope.IsTerminal(env.Type) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.backend+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
