// Package gateway is the hosted side of the realtime transport: a WebSocket
// endpoint that authenticates transport tokens and serves attach, publish,
// history and presence frames on top of a backbone.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/wire"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	apperrors "github.com/tumkoussekya/studio-sub000/pkg/errors"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
)

const sendBuffer = 256

type Metrics interface {
	GatewayConnectionOpened()
	GatewayConnectionClosed()
	MessagePublished()
	HistoryServed()
	FrameRejected(code string)
}

type nopMetrics struct{}

func (nopMetrics) GatewayConnectionOpened() {}
func (nopMetrics) GatewayConnectionClosed() {}
func (nopMetrics) MessagePublished()        {}
func (nopMetrics) HistoryServed()           {}
func (nopMetrics) FrameRejected(string)     {}

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	DedupeSize        int
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
	MaxConnections    int
}

func ConfigFrom(cfg *config.Config) Config {
	out := Config{
		PingInterval:   cfg.Gateway.PingInterval,
		PongTimeout:    cfg.Gateway.PongTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
		MaxMessageSize: cfg.Gateway.MaxMessageSizeBytes,
		DedupeSize:     cfg.Gateway.DedupeSize,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
		MaxConnections: cfg.Gateway.MaxConnections,
	}
	if cfg.RateLimiting.Enabled {
		out.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		out.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return out
}

type Option func(*Server)

func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

type Server struct {
	tokens   ports.TokenService
	backbone ports.Backbone
	config   Config
	upgrader websocket.Upgrader
	seen     *lru.Cache[string, struct{}]
	metrics  Metrics
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	conns  map[string]*conn
	cancel context.CancelFunc
	closed bool
}

func NewServer(tokens ports.TokenService, backbone ports.Backbone, cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Server, error) {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 4096
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.MessagesPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}

	s := &Server{
		tokens:   tokens,
		backbone: backbone,
		config:   cfg,
		seen:     seen,
		metrics:  nopMetrics{},
		logger:   logger,
		conns:    make(map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start subscribes to the backbone. Events are delivered until Close.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := s.backbone.Subscribe(ctx, s.dispatch); err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// authenticate reads the transport token from the access_token query
// parameter, which browsers need, or from a Bearer header
func (s *Server) authenticate(r *http.Request) (*domain.Session, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("transport token is required")
	}

	session, err := s.tokens.ValidateTransportToken(token)
	if err != nil {
		s.logger.Debugw("transport token rejected",
			"token", utils.MaskSensitive(token, 8),
			"error", err,
		)
		return nil, apperrors.NewTokenInvalidError(err)
	}
	return session, nil
}

var _ ports.WebSocketHandler = (*Server)(nil)

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := s.authenticate(r)
	if err != nil {
		s.reject(w, apperrors.GetAppError(err))
		return
	}
	if s.config.MaxConnections > 0 && s.ConnectionCount() >= s.config.MaxConnections {
		s.reject(w, apperrors.NewServiceUnavailableError("gateway is at capacity"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(s, ws, session)
	if !s.register(c) {
		c.shutdown(websocket.CloseGoingAway, "server closing")
		c.writeLoop()
		return
	}
	defer s.unregister(c)

	s.logger.Infow("client connected",
		"client_id", session.Identity.ID,
		"conn_id", c.id,
	)

	go c.writeLoop()
	c.sendFrame(&wire.Frame{Action: wire.ActionConnected, Session: wire.SessionFrom(session)})

	if !session.ExpiresAt.IsZero() {
		expiry := time.AfterFunc(time.Until(session.ExpiresAt), func() {
			c.shutdown(wire.CloseTokenExpired, "token expired")
		})
		defer expiry.Stop()
	}

	c.readLoop()
	c.shutdown(websocket.CloseNormalClosure, "")
}

// reject answers a socket request that will not be upgraded
func (s *Server) reject(w http.ResponseWriter, appErr *apperrors.AppError) {
	s.metrics.FrameRejected(string(appErr.Code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.metrics.GatewayConnectionOpened()
	return true
}

// unregister drops c and expires the presence it entered, the way a dropped
// connection is treated by a hosted service
func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.GatewayConnectionClosed()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()
	for channel, member := range c.enteredChannels() {
		if s.stillPresent(c, channel) {
			continue
		}
		if err := s.backbone.LeavePresence(ctx, channel, member); err != nil {
			s.logger.Warnw("failed to expire presence",
				"client_id", c.session.Identity.ID,
				"channel", channel,
				"error", err,
			)
		}
	}

	s.logger.Infow("client disconnected",
		"client_id", c.session.Identity.ID,
		"conn_id", c.id,
	)
}

// stillPresent reports whether another socket of the same client keeps its
// presence on channel alive
func (s *Server) stillPresent(c *conn, channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, other := range s.conns {
		if other.session.Identity.ID == c.session.Identity.ID && other.hasEntered(channel) {
			return true
		}
	}
	return false
}

// dispatch fans one backbone event out to the sockets interested in it
func (s *Server) dispatch(ev ports.BackboneEvent) {
	var frame *wire.Frame
	var channel string
	switch {
	case ev.Message != nil:
		frame = &wire.Frame{Action: wire.ActionMessage, Channel: ev.Message.Channel, Message: ev.Message}
		channel = ev.Message.Channel
	case ev.Presence != nil:
		frame = &wire.Frame{Action: wire.ActionPresence, Channel: ev.Presence.Channel, Presence: ev.Presence}
		channel = ev.Presence.Channel
	default:
		return
	}

	raw, err := wire.Encode(frame)
	if err != nil {
		s.logger.Errorw("failed to encode event", "channel", channel, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if (ev.Message != nil && c.isAttached(channel)) || (ev.Presence != nil && c.wantsPresence(channel)) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.send(raw)
	}
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Close disconnects every socket and stops backbone delivery. The backbone
// itself stays open.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	cancel := s.cancel
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server closing")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

var errSlowConsumer = errors.New("send buffer full")
