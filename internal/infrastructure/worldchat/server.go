// Package worldchat is the fallback broadcast server: every authenticated
// socket receives every chat line along with the current list of users.
package worldchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/tracing"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
	"github.com/tumkoussekya/studio-sub000/pkg/validation"
)

// CloseUnauthorized is sent right after the upgrade when the credential in
// the connection URL is missing or invalid
const CloseUnauthorized = 4001

const (
	EventWelcome = "welcome"
	EventMessage = "message"
	EventUsers   = "users"
	EventError   = "error"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type TextPayload struct {
	Text   string    `json:"text"`
	From   *User     `json:"from,omitempty"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

type UsersPayload struct {
	Users []User `json:"users"`
}

// IdentityVerifier checks the credential a socket connects with
type IdentityVerifier interface {
	VerifyIdentity(credential string) (*domain.ClientIdentity, error)
}

type Metrics interface {
	WorldchatConnectionOpened()
	WorldchatConnectionClosed()
	WorldchatMessageRelayed()
}

type nopMetrics struct{}

func (nopMetrics) WorldchatConnectionOpened() {}
func (nopMetrics) WorldchatConnectionClosed() {}
func (nopMetrics) WorldchatMessageRelayed()   {}

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func ConfigFrom(cfg *config.Config) Config {
	out := Config{
		PingInterval:   cfg.Worldchat.PingInterval,
		PongTimeout:    cfg.Worldchat.PongTimeout,
		WriteTimeout:   cfg.Worldchat.WriteTimeout,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
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

type socket struct {
	id       string
	ws       *websocket.Conn
	identity domain.ClientIdentity
	limiter  *rate.Limiter

	writeMu sync.Mutex
}

// writeJSON serializes writes since gorilla allows one concurrent writer
func (c *socket) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(v)
}

func (c *socket) writeControl(messageType int, data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(timeout))
}

type Server struct {
	verifier IdentityVerifier
	config   Config
	upgrader websocket.Upgrader
	metrics  Metrics
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	sockets map[string]*socket
	closed  bool
}

func NewServer(verifier IdentityVerifier, cfg Config, logger *zap.SugaredLogger, opts ...Option) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MessagesPerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	s := &Server{
		verifier: verifier,
		config:   cfg,
		metrics:  nopMetrics{},
		logger:   logger,
		sockets:  make(map[string]*socket),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func event(kind string, payload interface{}) Event {
	raw, _ := json.Marshal(payload)
	return Event{Type: kind, Payload: raw}
}

var _ ports.WebSocketHandler = (*Server)(nil)

// HandleWebSocket upgrades before checking the credential so a rejected
// browser client sees the close code instead of a failed handshake
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	c := &socket{id: utils.GenerateConnectionID(), ws: ws}

	identity, err := s.verify(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Infow("rejecting world chat socket", "error", err)
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"),
			s.config.WriteTimeout)
		return
	}
	c.identity = *identity

	limit := rate.Inf
	if s.config.MessagesPerSecond > 0 {
		limit = rate.Limit(s.config.MessagesPerSecond)
	}
	c.limiter = rate.NewLimiter(limit, s.config.Burst)

	if !s.register(c) {
		c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			s.config.WriteTimeout)
		return
	}
	s.logger.Infow("world chat user connected", "client_id", c.identity.ID, "conn_id", c.id)

	welcome := event(EventWelcome, TextPayload{Text: fmt.Sprintf("Welcome to world chat, %s!", c.identity.Label)})
	if err := c.writeJSON(welcome, s.config.WriteTimeout); err != nil {
		s.unregister(c)
		return
	}
	s.broadcastUsers()

	ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Event, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var ev Event
			if err := ws.ReadJSON(&ev); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
			select {
			case messageChan <- ev:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case ev := <-messageChan:
			if err := s.handleEvent(r.Context(), c, ev); err != nil {
				s.logger.Debugw("rejected world chat event", "client_id", c.identity.ID, "error", err)
				c.writeJSON(event(EventError, TextPayload{Text: err.Error()}), s.config.WriteTimeout)
			}

		case <-pingTicker.C:
			if err := c.writeControl(websocket.PingMessage, nil, s.config.WriteTimeout); err != nil {
				s.logger.Debugw("error sending ping", "conn_id", c.id, "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from world chat socket", "client_id", c.identity.ID, "error", err)
			}
			break loop
		}
	}

	s.unregister(c)
	s.broadcastUsers()
	s.logger.Infow("world chat user disconnected", "client_id", c.identity.ID, "conn_id", c.id)
}

func (s *Server) verify(token string) (*domain.ClientIdentity, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return s.verifier.VerifyIdentity(token)
}

func (s *Server) register(c *socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sockets[c.id] = c
	s.metrics.WorldchatConnectionOpened()
	return true
}

func (s *Server) unregister(c *socket) {
	s.mu.Lock()
	_, ok := s.sockets[c.id]
	delete(s.sockets, c.id)
	s.mu.Unlock()
	if ok {
		s.metrics.WorldchatConnectionClosed()
	}
}

// handleEvent relays chat lines. The sender is always taken from the
// verified identity, never from the payload.
func (s *Server) handleEvent(ctx context.Context, c *socket, ev Event) error {
	if ev.Type != EventMessage {
		return fmt.Errorf("unknown event type: %q", ev.Type)
	}

	_, span := tracing.TraceWebSocketMessage(ctx, ev.Type, c.identity.ID, "world-chat")
	defer span.End()

	var in TextPayload
	if err := json.Unmarshal(ev.Payload, &in); err != nil {
		return fmt.Errorf("invalid message payload: %w", err)
	}
	text := utils.SanitizeString(in.Text)
	if err := validation.ValidateChatText(text); err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}

	from := User{ID: c.identity.ID, Label: c.identity.Label}
	out := event(EventMessage, TextPayload{Text: text, From: &from, SentAt: time.Now().UTC()})
	if err := s.Broadcast(out); err != nil {
		s.logger.Warnw("world chat broadcast incomplete", "error", err)
	}
	s.metrics.WorldchatMessageRelayed()
	return nil
}

// Users lists the connected identities once each, ordered by label
func (s *Server) Users() []User {
	s.mu.RLock()
	seen := make(map[string]User, len(s.sockets))
	for _, c := range s.sockets {
		seen[c.identity.ID] = User{ID: c.identity.ID, Label: c.identity.Label}
	}
	s.mu.RUnlock()

	users := make([]User, 0, len(seen))
	for _, u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Label != users[j].Label {
			return users[i].Label < users[j].Label
		}
		return users[i].ID < users[j].ID
	})
	return users
}

func (s *Server) broadcastUsers() {
	if err := s.Broadcast(event(EventUsers, UsersPayload{Users: s.Users()})); err != nil {
		s.logger.Debugw("users broadcast incomplete", "error", err)
	}
}

// Broadcast writes ev to every open socket. Failed sockets are reported
// together and cleaned up by their own read loop.
func (s *Server) Broadcast(ev Event) error {
	s.mu.RLock()
	targets := make([]*socket, 0, len(s.sockets))
	for _, c := range s.sockets {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	var errs error
	for _, c := range targets {
		if err := c.writeJSON(ev, s.config.WriteTimeout); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", c.identity.ID, err))
		}
	}
	return errs
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
		"users":       len(s.Users()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Close sends a going-away close frame to every socket
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	targets := make([]*socket, 0, len(s.sockets))
	for _, c := range s.sockets {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	var errs error
	for _, c := range targets {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
		errs = multierr.Append(errs, c.writeControl(websocket.CloseMessage, msg, s.config.WriteTimeout))
		c.ws.Close()
	}
	return errs
}
