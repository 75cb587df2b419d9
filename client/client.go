// Package client is the importable counterpart of the bridge's HTTP
// and WebSocket surface: session CRUD over REST plus a streaming
// attachment with automatic reconnect and polling fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectCap  = 10 * time.Second
	defaultMaxReconnects = 5
	defaultPollInterval  = time.Second
)

// Options tune the client. Zero values take the defaults above.
type Options struct {
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int
	PollInterval  time.Duration
}

// Client talks to one bridge server.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
	opts    Options
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = defaultReconnectCap
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Client{
		baseURL: baseURL,
		http:    opts.HTTPClient,
		dialer:  opts.Dialer,
		opts:    opts,
	}
}

// Session mirrors the server's session summary.
type Session struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	ActivityState string    `json:"activityState"`
	Cwd           string    `json:"cwd"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	ClientCount   int       `json:"clientCount"`
	Attached      bool      `json:"attached"`
	Source        string    `json:"source"`
}

// SessionDetail is a summary plus the recent output tail.
type SessionDetail struct {
	Session
	Output string `json:"output"`
}

// CreateRequest describes a session to create. Command is required.
type CreateRequest struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// PollResult is one page of the polling fallback: the output since
// the requested offset, the next cursor, and the session status.
type PollResult struct {
	Data   string `json:"data"`
	Offset int64  `json:"offset"`
	Status string `json:"status"`
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Code, e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateSession creates a session and returns its summary.
func (c *Client) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/sessions", req, &s)
	return s, err
}

// ListSessions returns all known sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var list []Session
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &list)
	return list, err
}

// GetSession returns one session's detail with its output tail.
func (c *Client) GetSession(ctx context.Context, name string) (SessionDetail, error) {
	var d SessionDetail
	err := c.do(ctx, http.MethodGet, "/sessions/"+name, nil, &d)
	return d, err
}

// KillSession terminates a session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+name, nil, nil)
}

// Send writes input to a session over REST.
func (c *Client) Send(ctx context.Context, name, data string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+name+"/send", map[string]string{"data": data}, nil)
}

// Resize changes a session's terminal geometry.
func (c *Client) Resize(ctx context.Context, name string, cols, rows int) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+name+"/resize",
		map[string]int{"cols": cols, "rows": rows}, nil)
}

// PollOutput reads output produced since offset.
func (c *Client) PollOutput(ctx context.Context, name string, offset int64) (PollResult, error) {
	var res PollResult
	err := c.do(ctx, http.MethodGet,
		"/sessions/"+name+"/output?offset="+strconv.FormatInt(offset, 10), nil, &res)
	return res, err
}
