// Package auth exchanges a robot's API key for short-lived node credentials.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultEndpoint = "api/robot/auth-node"
	DefaultTimeout  = 10 * time.Second
)

// ErrAuth is wrapped by every authentication failure.
var ErrAuth = errors.New("authentication failed")

// Error reports a failed credential exchange for one node.
type Error struct {
	NodeID string
	Role   string
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authenticate %s node %q: status %d: %v", e.Role, e.NodeID, e.Status, e.Err)
	}
	return fmt.Sprintf("authenticate %s node %q: %v", e.Role, e.NodeID, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrAuth, e.Err} }

// Credential is the session handed out by the backend.
type Credential struct {
	RoomName  string
	Token     string
	ServerURL string
	ExpiresAt time.Time
}

// Config configures a Gateway.
type Config struct {
	BackendURL string
	Endpoint   string
	RobotID    string
	APIKey     string
	Protocol   string
	TTLMinutes int
	Timeout    time.Duration
}

// Gateway performs the credential exchange. It never caches or retries.
type Gateway struct {
	cfg        Config
	url        string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the HTTP client. Its timeout is overridden by
// Config.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithClock sets the time source used for the expiry fallback.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// NewGateway returns a Gateway for cfg.
func NewGateway(cfg Config, opts ...Option) *Gateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	g := &Gateway{
		cfg:        cfg,
		url:        strings.TrimRight(cfg.BackendURL, "/") + "/" + strings.TrimLeft(cfg.Endpoint, "/"),
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	client := *g.httpClient
	client.Timeout = cfg.Timeout
	g.httpClient = &client
	return g
}

// URL returns the full endpoint the gateway posts to.
func (g *Gateway) URL() string { return g.url }

// Protocol returns the transport protocol credentials are requested for.
func (g *Gateway) Protocol() string { return g.cfg.Protocol }

type requestCredentials struct {
	RobotID string `json:"robot_id"`
	APIKey  string `json:"api_key"`
}

// Request is the body posted to the auth endpoint.
type Request struct {
	NodeID      string             `json:"node_id"`
	Role        string             `json:"role"`
	Protocol    string             `json:"protocol"`
	TTLMinutes  int                `json:"ttl_minutes"`
	Credentials requestCredentials `json:"credentials"`
}

// Response is the body returned by the auth endpoint.
type Response struct {
	RoomName  string `json:"room_name"`
	Token     string `json:"token"`
	ServerURL string `json:"server_url"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// NewRequest builds the request body for a node.
func NewRequest(cfg Config, nodeID, role string) Request {
	return Request{
		NodeID:     nodeID,
		Role:       role,
		Protocol:   cfg.Protocol,
		TTLMinutes: cfg.TTLMinutes,
		Credentials: requestCredentials{
			RobotID: cfg.RobotID,
			APIKey:  cfg.APIKey,
		},
	}
}

// Authenticate requests a fresh credential for (nodeID, role).
func (g *Gateway) Authenticate(ctx context.Context, nodeID, role string) (Credential, error) {
	fail := func(status int, err error) (Credential, error) {
		return Credential{}, &Error{NodeID: nodeID, Role: role, Status: status, Err: err}
	}

	data, err := json.Marshal(NewRequest(g.cfg, nodeID, role))
	if err != nil {
		return fail(0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(data))
	if err != nil {
		return fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fail(0, fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(resp.StatusCode, fmt.Errorf("backend rejected request: %s", strings.TrimSpace(string(body))))
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}

	var missing []string
	if out.RoomName == "" {
		missing = append(missing, "room_name")
	}
	if out.Token == "" {
		missing = append(missing, "token")
	}
	if out.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if len(missing) > 0 {
		return fail(resp.StatusCode, fmt.Errorf("response missing %s", strings.Join(missing, ", ")))
	}

	expires, err := g.expiry(out)
	if err != nil {
		return fail(resp.StatusCode, err)
	}

	return Credential{
		RoomName:  out.RoomName,
		Token:     out.Token,
		ServerURL: out.ServerURL,
		ExpiresAt: expires,
	}, nil
}

// expiry prefers the explicit expires_at, then the token's exp claim, then
// now plus the requested TTL.
func (g *Gateway) expiry(resp Response) (time.Time, error) {
	if resp.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse expires_at: %w", err)
		}
		return t, nil
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time, nil
	}

	return g.now().Add(time.Duration(g.cfg.TTLMinutes) * time.Minute), nil
}
