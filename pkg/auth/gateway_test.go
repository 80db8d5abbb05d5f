package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) Config {
	return Config{
		BackendURL: url + "/",
		RobotID:    "robot-1",
		APIKey:     "secret-key",
		Protocol:   "webrtc",
		TTLMinutes: 120,
	}
}

func TestAuthenticate_Success(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/robot/auth-node", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(Response{
			RoomName:  "room-a",
			Token:     "tok",
			ServerURL: "https://signal.example",
			ExpiresAt: "2026-01-02T15:04:05Z",
		})
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL))
	cred, err := g.Authenticate(context.Background(), "controller", "subscriber")
	require.NoError(t, err)

	assert.Equal(t, "controller", got.NodeID)
	assert.Equal(t, "subscriber", got.Role)
	assert.Equal(t, "webrtc", got.Protocol)
	assert.Equal(t, 120, got.TTLMinutes)
	assert.Equal(t, "robot-1", got.Credentials.RobotID)
	assert.Equal(t, "secret-key", got.Credentials.APIKey)

	assert.Equal(t, "room-a", cred.RoomName)
	assert.Equal(t, "tok", cred.Token)
	assert.Equal(t, "https://signal.example", cred.ServerURL)
	assert.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), cred.ExpiresAt.UTC())
}

func TestAuthenticate_NoCaching(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Response{RoomName: "r", Token: "t", ServerURL: "s"})
	}))
	defer srv.Close()

	g := NewGateway(testConfig(srv.URL))
	for i := 0; i < 3; i++ {
		_, err := g.Authenticate(context.Background(), "cam", "publisher")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		substr  string
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad api key", http.StatusUnauthorized)
			},
			status: http.StatusUnauthorized,
			substr: "bad api key",
		},
		{
			name: "undecodable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
			status: http.StatusOK,
			substr: "decode response",
		},
		{
			name: "missing fields",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"room_name":"r"}`))
			},
			status: http.StatusOK,
			substr: "token, server_url",
		},
		{
			name: "bad expires_at",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"room_name":"r","token":"t","server_url":"s","expires_at":"tomorrow"}`))
			},
			status: http.StatusOK,
			substr: "expires_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewGateway(testConfig(srv.URL)).Authenticate(context.Background(), "ctrl", "subscriber")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrAuth)

			var authErr *Error
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.status, authErr.Status)
			assert.Equal(t, "ctrl", authErr.NodeID)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestAuthenticate_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewGateway(testConfig(url)).Authenticate(context.Background(), "ctrl", "subscriber")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAuthenticate_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewGateway(cfg).Authenticate(context.Background(), "ctrl", "subscriber")
	assert.ErrorIs(t, err, ErrAuth)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAuthenticate_ExpiryFallbacks(t *testing.T) {
	exp := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	var token atomic.Value
	token.Store(signed)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Response{RoomName: "r", Token: token.Load().(string), ServerURL: "s"})
	}))
	defer srv.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGateway(testConfig(srv.URL), WithClock(func() time.Time { return now }))

	cred, err := g.Authenticate(context.Background(), "ctrl", "subscriber")
	require.NoError(t, err)
	assert.True(t, exp.Equal(cred.ExpiresAt), "exp claim used, got %v", cred.ExpiresAt)

	token.Store("opaque-token")
	cred, err = g.Authenticate(context.Background(), "ctrl", "subscriber")
	require.NoError(t, err)
	assert.Equal(t, now.Add(120*time.Minute), cred.ExpiresAt)
}

func TestNewGateway_URL(t *testing.T) {
	g := NewGateway(Config{BackendURL: "https://localhost:8443/", Endpoint: "/api/robot/auth-node"})
	assert.Equal(t, "https://localhost:8443/api/robot/auth-node", g.URL())
}
