// Package bridge adapts the session interfaces onto the engine bridge's
// HTTP/JSON API.
//
// The bridge is a small sidecar that owns the engine processes. Each launched
// process is addressed by an opaque session id:
//
//	POST   /v1/sessions                 launch, returns {"id": "..."}
//	POST   /v1/sessions/{id}/{op}       invoke one typed operation
//	DELETE /v1/sessions/{id}            terminate the process
//	GET    /v1/health                   liveness
//
// Operation calls block until the engine acknowledges completion, so the
// HTTP client carries no global timeout; long calls are bounded by the caller's
// context. Short queries get Config.QueryTimeout.
package bridge

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
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/aerobatch/pkg/session"
)

// DefaultQueryTimeout bounds short query calls (residuals, health).
const DefaultQueryTimeout = 30 * time.Second

// Config configures a bridge client.
type Config struct {
	// BaseURL is the bridge root, e.g. http://127.0.0.1:7878.
	BaseURL string

	// QueryTimeout bounds short queries. Zero uses DefaultQueryTimeout.
	QueryTimeout time.Duration

	// HTTPClient overrides the transport. Nil uses a client without timeout.
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Client talks to one engine bridge. It implements session.Launcher.
type Client struct {
	base         string
	hc           *http.Client
	queryTimeout time.Duration
	logger       *zap.Logger
}

// Error is returned when the bridge rejects an operation.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("bridge %s: status %d: %s", e.Op, e.Status, e.Message)
}

// New creates a bridge client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("bridge base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid bridge url scheme %q", u.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	qt := cfg.QueryTimeout
	if qt <= 0 {
		qt = DefaultQueryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{base: base, hc: hc, queryTimeout: qt, logger: logger}, nil
}

// Ping checks that the bridge is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/v1/health", "health", nil, nil)
}

// LaunchMeshing starts a meshing process.
func (c *Client) LaunchMeshing(ctx context.Context, opts session.LaunchOptions) (session.MeshingSession, error) {
	opts.Mode = session.ModeMeshing
	r, err := c.launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &meshingSession{remote: r}, nil
}

// LaunchSolver starts a solver process.
func (c *Client) LaunchSolver(ctx context.Context, opts session.LaunchOptions) (session.SolverSession, error) {
	opts.Mode = session.ModeSolver
	r, err := c.launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &solverSession{remote: r}, nil
}

type launchResponse struct {
	ID string `json:"id"`
}

func (c *Client) launch(ctx context.Context, opts session.LaunchOptions) (*remote, error) {
	var resp launchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", "launch", opts, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &Error{Op: "launch", Status: http.StatusOK, Message: "bridge returned empty session id"}
	}
	c.logger.Debug("Engine session launched",
		zap.String("session_id", resp.ID),
		zap.String("mode", string(opts.Mode)),
		zap.Int("processors", opts.Processors))
	return &remote{c: c, id: resp.ID}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("bridge %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bridge %s: read response: %w", op, err)
	}

	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(data))
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		if resp.StatusCode == http.StatusGone {
			return fmt.Errorf("bridge %s: %w", op, session.ErrClosed)
		}
		return &Error{Op: op, Status: resp.StatusCode, Message: msg}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("bridge %s: decode response: %w", op, err)
	}
	return nil
}

var _ session.Launcher = (*Client)(nil)
