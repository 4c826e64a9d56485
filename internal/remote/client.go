// Package remote is a typed client for the agent daemon's HTTP API.
package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each request. Long polls must keep wait_ms under
// it or the client gives up first.
const DefaultTimeout = 30 * time.Second

// Error is the single error kind the client produces. StatusCode is 0
// for transport failures.
type Error struct {
	Message    string
	StatusCode int
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return e.Message
	}
	return fmt.Sprintf("[HTTP %d] %s", e.StatusCode, e.Message)
}

// Client talks to one daemon endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// New normalizes the endpoint (scheme defaulted to http, trailing slash
// trimmed) and returns a client.
func New(endpoint, token string) *Client {
	normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		normalized = "http://" + normalized
	}
	return &Client{
		endpoint: normalized,
		token:    token,
		http:     &http.Client{Timeout: DefaultTimeout},
	}
}

// Health checks daemon liveness.
func (c *Client) Health() (map[string]any, error) {
	return c.request(http.MethodGet, "/health", nil, nil)
}

// WaitReady polls Health until it succeeds or the timeout elapses.
func (c *Client) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := c.Health(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = &Error{Message: "服务未就绪。"}
	}
	return lastErr
}

// ListSessions returns the status of every session on the daemon.
func (c *Client) ListSessions() ([]map[string]any, error) {
	payload, err := c.request(http.MethodGet, "/sessions", nil, nil)
	if err != nil {
		return nil, err
	}
	rawList, ok := payload["sessions"].([]any)
	if !ok {
		return nil, &Error{Message: "服务端返回了无效的 sessions 字段。"}
	}
	sessions := make([]map[string]any, 0, len(rawList))
	for _, raw := range rawList {
		if m, ok := raw.(map[string]any); ok {
			sessions = append(sessions, m)
		}
	}
	return sessions, nil
}

// CreateSession creates a session, optionally with an explicit id.
func (c *Client) CreateSession(sessionID string) (map[string]any, error) {
	body := map[string]any{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	return c.request(http.MethodPost, "/sessions", body, nil)
}

// GetSession returns one session's status.
func (c *Client) GetSession(sessionID string) (map[string]any, error) {
	payload, err := c.request(http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return nil, err
	}
	session, ok := payload["session"].(map[string]any)
	if !ok {
		return nil, &Error{Message: "服务端返回了无效的 session 字段。"}
	}
	return session, nil
}

// SubmitTurn queues a question and returns the accepted turn info.
func (c *Client) SubmitTurn(sessionID, userInput string) (map[string]any, error) {
	return c.request(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/turns",
		map[string]any{"input": userInput}, nil)
}

// ClearSession empties a session's history.
func (c *Client) ClearSession(sessionID string) (map[string]any, error) {
	return c.request(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/clear", map[string]any{}, nil)
}

// CancelSession drops a session's queued turns.
func (c *Client) CancelSession(sessionID string) (map[string]any, error) {
	return c.request(http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/cancel", map[string]any{}, nil)
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown() (map[string]any, error) {
	return c.request(http.MethodPost, "/shutdown", map[string]any{}, nil)
}

// GetEvents long-polls the session's event stream.
func (c *Client) GetEvents(sessionID string, after int64, waitMs, limit int) (map[string]any, error) {
	if after < 0 {
		after = 0
	}
	if waitMs < 0 {
		waitMs = 0
	}
	if limit < 1 {
		limit = 1
	}
	query := url.Values{
		"after":   {strconv.FormatInt(after, 10)},
		"wait_ms": {strconv.Itoa(waitMs)},
		"limit":   {strconv.Itoa(limit)},
	}
	return c.request(http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/events", nil, query)
}

func (c *Client) request(method, path string, payload map[string]any, query url.Values) (map[string]any, error) {
	fullURL := c.endpoint + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Message: err.Error()}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, fullURL, bodyReader)
	if err != nil {
		return nil, &Error{Message: err.Error()}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.token != "" {
		req.Header.Set("X-Agent-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("连接服务失败：%v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Message: err.Error(), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Message: errorMessageFrom(raw, resp.Status), StatusCode: resp.StatusCode}
	}

	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Message: fmt.Sprintf("服务端返回了非 JSON 内容：%v", err), StatusCode: resp.StatusCode}
	}
	if parsed == nil {
		return nil, &Error{Message: "服务端返回了非对象结构。", StatusCode: resp.StatusCode}
	}
	return parsed, nil
}

// errorMessageFrom prefers the daemon's structured {"error": ...}
// message over the raw status line.
func errorMessageFrom(raw []byte, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return string(raw)
	}
	if msg, ok := payload["error"].(string); ok && msg != "" {
		return msg
	}
	return fallback
}
