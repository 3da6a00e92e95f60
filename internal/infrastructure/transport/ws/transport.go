// Package ws is the client transport for the realtime gateway. It exchanges
// an identity credential for a transport token over HTTP, then speaks wire
// frames over one WebSocket and reconnects with backoff when it drops.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/wire"
	"github.com/tumkoussekya/studio-sub000/pkg/circuitbreaker"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/retry"
	"github.com/tumkoussekya/studio-sub000/pkg/validation"
)

var (
	errRequestTimeout = errors.New("request timed out")
	// errRejected marks token endpoint answers that retrying cannot change
	errRejected = errors.New("token request rejected")
)

type Config struct {
	TokenURL       string
	GatewayURL     string
	Credential     string
	RequestTimeout time.Duration
	Reconnect      retry.Config
	Breaker        circuitbreaker.Config
}

func ConfigFrom(cfg *config.Config) Config {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = cfg.Client.Reconnect.MaxAttempts
	reconnect.InitialDelay = cfg.Client.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Client.Reconnect.MaxDelay

	return Config{
		TokenURL:       cfg.Client.TokenURL,
		GatewayURL:     cfg.Client.GatewayURL,
		Credential:     cfg.Client.Credential,
		RequestTimeout: cfg.Client.RequestTimeout,
		Reconnect:      reconnect,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

type Option func(*Transport)

func WithCipher(c *cipher.Cipher) Option {
	return func(t *Transport) { t.cipher = c }
}

func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) { t.http = client }
}

type Transport struct {
	config  Config
	cipher  *cipher.Cipher
	http    *http.Client
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger

	lifetime context.Context
	cancel   context.CancelFunc
	nextRef  atomic.Uint64
	writeMu  sync.Mutex

	mu       sync.Mutex
	closed   bool
	state    ports.ConnectionState
	stateFns []func(ports.ConnectionState)
	session  *domain.Session
	ws       *websocket.Conn
	pending  map[uint64]chan *wire.Frame
	channels map[string]*channelHandle
	mailbox  *transport.Mailbox
}

var _ ports.Transport = (*Transport)(nil)

func NewTransport(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Transport {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	lifetime, cancel := context.WithCancel(context.Background())

	t := &Transport{
		config:   cfg,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		breaker:  circuitbreaker.New(cfg.Breaker),
		logger:   logger,
		lifetime: lifetime,
		cancel:   cancel,
		state:    ports.StateInitialized,
		pending:  make(map[uint64]chan *wire.Frame),
		channels: make(map[string]*channelHandle),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Token endpoint breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return t
}

func (t *Transport) Connect(ctx context.Context) (*domain.Session, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if t.state == ports.StateConnected && t.session != nil {
		session := t.session
		t.mu.Unlock()
		return session, nil
	}
	t.mu.Unlock()

	if err := validation.ValidateWebSocketURL(t.config.TokenURL); err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	if err := validation.ValidateWebSocketURL(t.config.GatewayURL); err != nil {
		return nil, fmt.Errorf("gateway endpoint: %w", err)
	}

	// the breaker throttles reconnects, not a caller asking to connect
	t.breaker.Reset()
	t.setState(ports.StateConnecting)
	session, err := t.dial(ctx)
	if err != nil {
		t.setState(ports.StateFailed)
		return nil, err
	}
	// handles used before Connect are attached now
	t.restore()
	t.setState(ports.StateConnected)
	return session, nil
}

func (t *Transport) OnStateChange(fn func(ports.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *Transport) setState(state ports.ConnectionState) {
	t.mu.Lock()
	if t.state == state || (t.closed && state != ports.StateClosed) {
		t.mu.Unlock()
		return
	}
	t.state = state
	fns := append(([]func(ports.ConnectionState))(nil), t.stateFns...)
	t.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

type tokenRequest struct {
	Credential string `json:"credential,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// fetchToken asks the token endpoint for a transport token. Calls go through
// a circuit breaker so a dead endpoint is not hammered by reconnects.
func (t *Transport) fetchToken(ctx context.Context) (*domain.TokenGrant, error) {
	return circuitbreaker.Call(ctx, t.breaker, func(ctx context.Context) (*domain.TokenGrant, error) {
		body, err := json.Marshal(tokenRequest{Credential: t.config.Credential})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.TokenURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var eb errorBody
			json.NewDecoder(resp.Body).Decode(&eb)
			err := fmt.Errorf("token endpoint returned %d %s: %s", resp.StatusCode, eb.Error, eb.Message)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, fmt.Errorf("%w: %v", errRejected, err)
			}
			return nil, err
		}

		var grant domain.TokenGrant
		if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
			return nil, fmt.Errorf("decode token grant: %w", err)
		}
		if grant.Token == "" {
			return nil, fmt.Errorf("%w: empty token", errRejected)
		}
		return &grant, nil
	})
}

func (t *Transport) gatewayURL(token string) (string, error) {
	u, err := url.Parse(t.config.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens a fresh socket, waits for the connected frame and starts the
// reader. The previous socket, if any, must already be gone.
func (t *Transport) dial(ctx context.Context) (*domain.Session, error) {
	grant, err := t.fetchToken(ctx)
	if err != nil {
		return nil, err
	}
	target, err := t.gatewayURL(grant.Token)
	if err != nil {
		return nil, err
	}

	ws, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: gateway refused token", errRejected)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(t.config.RequestTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("await session: %w", err)
	}
	f, err := wire.Decode(raw)
	if err != nil || f.Action != wire.ActionConnected || f.Session == nil {
		ws.Close()
		return nil, fmt.Errorf("await session: unexpected first frame")
	}
	ws.SetReadDeadline(time.Time{})
	session := f.Session.Domain()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ws.Close()
		return nil, domain.ErrClosed
	}
	if t.ws != nil {
		// a concurrent Connect or reconnect won
		current := t.session
		t.mu.Unlock()
		ws.Close()
		return current, nil
	}
	t.ws = ws
	t.session = session
	if t.mailbox == nil {
		t.mailbox = transport.NewMailbox()
	}
	t.mu.Unlock()

	t.logger.Infow("gateway connected",
		"client_id", session.Identity.ID,
		"expires_at", session.ExpiresAt,
	)
	go t.readLoop(ws)
	return session, nil
}

func (t *Transport) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.connectionLost(ws, err)
			return
		}
		f, err := wire.Decode(raw)
		if err != nil {
			t.logger.Warnw("dropping undecodable frame", "error", err)
			continue
		}
		t.handleFrame(f)
	}
}

func (t *Transport) handleFrame(f *wire.Frame) {
	switch f.Action {
	case wire.ActionAck:
		if f.Ref == 0 {
			// only failed fire-and-forget requests are answered
			if f.Error == nil {
				return
			}
			t.logger.Warnw("gateway rejected request",
				"channel", f.Channel,
				"error", f.Error.Err(),
			)
			return
		}
		t.mu.Lock()
		ch := t.pending[f.Ref]
		delete(t.pending, f.Ref)
		t.mu.Unlock()
		if ch != nil {
			ch <- f
		}

	case wire.ActionMessage:
		if f.Message == nil {
			return
		}
		if h := t.handle(f.Message.Channel); h != nil {
			h.deliver(*f.Message)
		}

	case wire.ActionPresence:
		if f.Presence == nil {
			return
		}
		if h := t.handle(f.Presence.Channel); h != nil {
			h.presence().dispatch(*f.Presence)
		}
	}
}

func (t *Transport) handle(channel string) *channelHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[channel]
}

// connectionLost fails outstanding requests and starts reconnecting unless
// ws was closed on purpose
func (t *Transport) connectionLost(ws *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.ws != ws {
		t.mu.Unlock()
		return
	}
	t.ws = nil
	pending := t.pending
	t.pending = make(map[uint64]chan *wire.Frame)
	t.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	ws.Close()

	if websocket.IsCloseError(cause, wire.CloseTokenExpired) {
		t.logger.Infow("transport token expired, reconnecting")
	} else {
		t.logger.Warnw("gateway connection lost", "error", cause)
	}
	t.setState(ports.StateDisconnected)
	go t.reconnect()
}

func (t *Transport) reconnect() {
	cfg := t.config.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		t.logger.Debugw("reconnect attempt failed",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := retry.Retry(t.lifetime, cfg, func(ctx context.Context) error {
		t.setState(ports.StateConnecting)
		_, err := t.dial(ctx)
		if errors.Is(err, errRejected) || errors.Is(err, domain.ErrClosed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if t.lifetime.Err() == nil {
			t.logger.Errorw("giving up on gateway", "error", err)
			t.setState(ports.StateFailed)
		}
		return
	}

	t.restore()
	t.setState(ports.StateConnected)
}

// restore re-attaches channels and re-watches presence on a new socket
func (t *Transport) restore() {
	t.mu.Lock()
	handles := make([]*channelHandle, 0, len(t.channels))
	for _, h := range t.channels {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		if h.isAttached() {
			if _, err := t.request(t.lifetime, &wire.Frame{Action: wire.ActionAttach, Channel: h.cfg.Name}); err != nil {
				t.logger.Warnw("failed to re-attach channel", "channel", h.cfg.Name, "error", err)
			}
		}
		if h.presence().watched() {
			if _, err := t.request(t.lifetime, &wire.Frame{Action: wire.ActionPresenceWatch, Channel: h.cfg.Name}); err != nil {
				t.logger.Warnw("failed to re-watch presence", "channel", h.cfg.Name, "error", err)
			}
		}
	}
}

func (t *Transport) write(ws *websocket.Conn, f *wire.Frame) error {
	raw, err := wire.Encode(f)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(t.config.RequestTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	return nil
}

// send writes f without waiting for an answer
func (t *Transport) send(f *wire.Frame) error {
	t.mu.Lock()
	ws := t.ws
	t.mu.Unlock()
	if ws == nil {
		return domain.ErrNotConnected
	}
	return t.write(ws, f)
}

// request writes f and waits for its ack. Gateway errors come back as the
// domain errors they stand for.
func (t *Transport) request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	f.Ref = t.nextRef.Add(1)
	ch := make(chan *wire.Frame, 1)

	t.mu.Lock()
	ws := t.ws
	if ws == nil {
		t.mu.Unlock()
		return nil, domain.ErrNotConnected
	}
	t.pending[f.Ref] = ch
	t.mu.Unlock()

	if err := t.write(ws, f); err != nil {
		t.forget(f.Ref)
		return nil, err
	}

	timer := time.NewTimer(t.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, domain.ErrNotConnected
		}
		if err := reply.Error.Err(); err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		t.forget(f.Ref)
		return nil, ctx.Err()
	case <-timer.C:
		t.forget(f.Ref)
		return nil, fmt.Errorf("%s on %s: %w", f.Action, f.Channel, errRequestTimeout)
	}
}

func (t *Transport) forget(ref uint64) {
	t.mu.Lock()
	delete(t.pending, ref)
	t.mu.Unlock()
}

// connected returns the capability of the live session
func (t *Transport) connected() (domain.Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrClosed
	}
	if t.state != ports.StateConnected || t.session == nil {
		return nil, domain.ErrNotConnected
	}
	return t.session.Capability, nil
}

func (t *Transport) allow(channel string, op domain.Operation) error {
	capability, err := t.connected()
	if err != nil {
		return err
	}
	if !capability.Allows(channel, op) {
		return &domain.CapabilityError{Channel: channel, Operation: op}
	}
	return nil
}

func (t *Transport) push(fn func()) {
	t.mu.Lock()
	mb := t.mailbox
	t.mu.Unlock()
	if mb != nil {
		mb.Push(fn)
	}
}

func (t *Transport) Channel(cfg domain.ChannelConfig) (ports.ChannelHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, domain.ErrClosed
	}
	if h, ok := t.channels[cfg.Name]; ok {
		return h, nil
	}
	h := &channelHandle{transport: t, cfg: cfg}
	t.channels[cfg.Name] = h
	return h, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ws := t.ws
	t.ws = nil
	pending := t.pending
	t.pending = make(map[uint64]chan *wire.Frame)
	mb := t.mailbox
	t.mu.Unlock()

	t.cancel()
	for _, ch := range pending {
		close(ch)
	}
	if ws != nil {
		t.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		ws.Close()
	}
	if mb != nil {
		mb.Stop()
	}
	t.setState(ports.StateClosed)
	return nil
}
