// pkg/api/api.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx response decoded from ErrorResponse.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to a MediaHarvester server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateTask starts an extraction for a video URL or id.
func (c *Client) CreateTask(ctx context.Context, target string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{URL: target}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask returns the current snapshot of a task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a pending or downloading task.
func (c *Client) CancelTask(ctx context.Context, id string) (*CancelTaskResponse, error) {
	var resp CancelTaskResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListProxies returns the proxy pool.
func (c *Client) ListProxies(ctx context.Context) (*ProxyList, error) {
	var list ProxyList
	if err := c.do(ctx, http.MethodGet, "/api/v1/proxies", nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// WatchTask streams snapshots of a task to fn until the task reaches a
// terminal status, the server closes the stream or ctx ends. It returns
// the last snapshot received.
func (c *Client) WatchTask(ctx context.Context, id string, fn func(Task)) (*Task, error) {
	wsURL, err := c.websocketURL("/api/v1/tasks/" + url.PathEscape(id) + "/stream")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("failed to open task stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last *Task
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("task stream interrupted: %w", err)
		}
		snap := ev.Data
		last = &snap
		if fn != nil {
			fn(snap)
		}
		if snap.Terminal() {
			return last, nil
		}
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
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

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
	var er ErrorResponse
	if resp.Body != nil {
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error.Code != "" {
			apiErr.Code = er.Error.Code
			apiErr.Message = er.Error.Message
		}
	}
	return apiErr
}
