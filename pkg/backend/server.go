// Package backend is a development server for the robot side: it issues
// node session credentials and relays WebRTC offers and answers.
//
//	POST {endpoint}                       node authentication
//	POST /signal/rooms/:room/offers       publish an offer
//	GET  /signal/rooms/:room/offers?to=   offers addressed to a participant
//	POST /signal/rooms/:room/answers      publish an answer
//	GET  /signal/rooms/:room/answers?to=  answers addressed to a participant
//	GET  /healthz
//	GET  /metrics
//
// Each robot id owns one room for the life of the process. Signaling
// requests need a session token for that room.
package backend

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tactilerobotics/teleop/pkg/auth"
	"github.com/tactilerobotics/teleop/pkg/logging"
	"github.com/tactilerobotics/teleop/pkg/node/natsnode"
	"github.com/tactilerobotics/teleop/pkg/node/webrtcnode"
)

const (
	DefaultTTLMinutes = 120
	MaxTTLMinutes     = 24 * 60
)

// Config configures a Server.
type Config struct {
	JWTSecret string
	// APIKeys maps robot ids to api keys.
	APIKeys map[string]string
	// Endpoint is the auth route, relative to the root.
	Endpoint string
	// PublicURL is handed to webrtc nodes as their signaling server.
	// Empty uses the origin of the auth request.
	PublicURL string
	// NATSURL is handed to nats nodes.
	NATSURL string

	Logger   *slog.Logger
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server holds the rooms and signaling state.
type Server struct {
	cfg    Config
	logger *slog.Logger
	tokens *TokenService

	mu    sync.Mutex
	rooms map[string]string // robot id -> room
	seq   uint64
	sigs  map[string]*roomSignals
}

type roomSignals struct {
	offers  map[string]webrtcnode.SignalMessage
	answers map[string]webrtcnode.SignalMessage
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("at least one api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = auth.DefaultEndpoint
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger),
		tokens: NewTokenService(cfg.JWTSecret, cfg.Now),
		rooms:  make(map[string]string),
		sigs:   make(map[string]*roomSignals),
	}, nil
}

// Tokens returns the service that signs session tokens.
func (s *Server) Tokens() *TokenService { return s.tokens }

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	r.POST("/"+strings.TrimLeft(s.cfg.Endpoint, "/"), s.authenticate)

	signal := r.Group("/signal/rooms/:room", s.requireRoomToken())
	signal.POST("/offers", s.publish(true))
	signal.GET("/offers", s.poll(true))
	signal.POST("/answers", s.publish(false))
	signal.GET("/answers", s.poll(false))
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		if errs := c.Errors.String(); errs != "" {
			args = append(args, "error", errs)
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.logger.Error("HTTP request completed", args...)
		case status >= 400:
			s.logger.Warn("HTTP request completed", args...)
		default:
			s.logger.Debug("HTTP request completed", args...)
		}
	}
}

func errorResponse(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (s *Server) authenticate(c *gin.Context) {
	var req auth.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	key, ok := bearer(c)
	if !ok {
		errorResponse(c, http.StatusUnauthorized, "missing authorization token")
		return
	}
	want, known := s.cfg.APIKeys[req.Credentials.RobotID]
	if !known ||
		subtle.ConstantTimeCompare([]byte(key), []byte(want)) != 1 ||
		subtle.ConstantTimeCompare([]byte(req.Credentials.APIKey), []byte(want)) != 1 {
		errorResponse(c, http.StatusUnauthorized, "invalid robot credentials")
		return
	}
	if req.NodeID == "" {
		errorResponse(c, http.StatusBadRequest, "node_id is required")
		return
	}
	if req.Role != "publisher" && req.Role != "subscriber" {
		errorResponse(c, http.StatusBadRequest, "role must be publisher or subscriber")
		return
	}
	var serverURL string
	switch req.Protocol {
	case webrtcnode.ProtocolName:
		serverURL = s.cfg.PublicURL
		if serverURL == "" {
			serverURL = requestOrigin(c.Request)
		}
	case natsnode.ProtocolName:
		serverURL = s.cfg.NATSURL
	default:
		errorResponse(c, http.StatusBadRequest, "unsupported protocol")
		return
	}
	ttl := req.TTLMinutes
	switch {
	case ttl <= 0:
		ttl = DefaultTTLMinutes
	case ttl > MaxTTLMinutes:
		ttl = MaxTTLMinutes
	}

	room := s.room(req.Credentials.RobotID)
	token, exp, err := s.tokens.Issue(req.Credentials.RobotID, room, req.NodeID, req.Role, time.Duration(ttl)*time.Minute)
	if err != nil {
		_ = c.Error(err)
		errorResponse(c, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.logger.Info("node authenticated",
		"robot_id", req.Credentials.RobotID, "node_id", req.NodeID, "role", req.Role, "room", room)

	c.JSON(http.StatusOK, auth.Response{
		RoomName:  room,
		Token:     token,
		ServerURL: serverURL,
		ExpiresAt: exp.Format(time.RFC3339),
	})
}

// requestOrigin is the scheme and host the request was addressed to.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// room returns the robot's room, creating it on first use.
func (s *Server) room(robotID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[robotID]
	if !ok {
		room = "room-" + uuid.NewString()
		s.rooms[robotID] = room
		s.sigs[room] = &roomSignals{
			offers:  make(map[string]webrtcnode.SignalMessage),
			answers: make(map[string]webrtcnode.SignalMessage),
		}
	}
	return room
}

const claimsKey = "claims"

func (s *Server) requireRoomToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			errorResponse(c, http.StatusUnauthorized, "missing authorization token")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			s.logger.Warn("failed to verify token", "error", err)
			errorResponse(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if claims.Room != c.Param("room") {
			errorResponse(c, http.StatusForbidden, "token is not valid for this room")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func (s *Server) signals(room string) (*roomSignals, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sigs, ok := s.sigs[room]
	return sigs, ok
}

func (s *Server) publish(offers bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg webrtcnode.SignalMessage
		if err := c.ShouldBindJSON(&msg); err != nil || msg.From == "" || msg.To == "" || msg.SDP == "" {
			errorResponse(c, http.StatusBadRequest, "from, to and sdp are required")
			return
		}
		claims := c.MustGet(claimsKey).(*Claims)
		if claims.NodeID != msg.From {
			errorResponse(c, http.StatusForbidden, "from must match the token's node")
			return
		}
		sigs, ok := s.signals(claims.Room)
		if !ok {
			errorResponse(c, http.StatusNotFound, "unknown room")
			return
		}

		s.mu.Lock()
		s.seq++
		msg.Seq = s.seq
		if offers {
			sigs.offers[msg.From+"|"+msg.To] = msg
		} else {
			sigs.answers[msg.From+"|"+msg.To] = msg
		}
		s.mu.Unlock()

		c.JSON(http.StatusCreated, gin.H{"seq": msg.Seq})
	}
}

func (s *Server) poll(offers bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		to := c.Query("to")
		if to == "" {
			errorResponse(c, http.StatusBadRequest, "to is required")
			return
		}
		claims := c.MustGet(claimsKey).(*Claims)
		if claims.NodeID != to {
			errorResponse(c, http.StatusForbidden, "to must match the token's node")
			return
		}
		sigs, ok := s.signals(claims.Room)
		if !ok {
			errorResponse(c, http.StatusNotFound, "unknown room")
			return
		}

		s.mu.Lock()
		src := sigs.answers
		if offers {
			src = sigs.offers
		}
		out := make([]webrtcnode.SignalMessage, 0)
		for _, msg := range src {
			if msg.To == to {
				out = append(out, msg)
			}
		}
		s.mu.Unlock()

		c.JSON(http.StatusOK, gin.H{"messages": out})
	}
}
