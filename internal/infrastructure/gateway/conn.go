package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/wire"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
)

type conn struct {
	id      string
	server  *Server
	ws      *websocket.Conn
	session *domain.Session
	limiter *rate.Limiter

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
	closeMsg []byte

	mu       sync.Mutex
	attached map[string]bool
	watching map[string]bool
	entered  map[string]domain.PresenceMember
}

func newConn(s *Server, ws *websocket.Conn, session *domain.Session) *conn {
	limit := rate.Inf
	if s.config.MessagesPerSecond > 0 {
		limit = rate.Limit(s.config.MessagesPerSecond)
	}
	return &conn{
		id:       utils.GenerateConnectionID(),
		server:   s,
		ws:       ws,
		session:  session,
		limiter:  rate.NewLimiter(limit, s.config.Burst),
		outbound: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		attached: make(map[string]bool),
		watching: make(map[string]bool),
		entered:  make(map[string]domain.PresenceMember),
	}
}

// send queues raw without blocking. A socket that cannot keep up is closed
// rather than stalling fan-out to everyone else.
func (c *conn) send(raw []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.outbound <- raw:
	default:
		c.server.logger.Warnw("closing slow consumer",
			"client_id", c.session.Identity.ID,
			"conn_id", c.id,
			"error", errSlowConsumer,
		)
		c.shutdown(websocket.CloseTryAgainLater, "slow consumer")
	}
}

func (c *conn) sendFrame(f *wire.Frame) {
	raw, err := wire.Encode(f)
	if err != nil {
		c.server.logger.Errorw("failed to encode frame", "action", f.Action, "error", err)
		return
	}
	c.send(raw)
}

// shutdown ends the connection with a close frame. Only the first call counts.
func (c *conn) shutdown(code int, text string) {
	c.once.Do(func() {
		c.closeMsg = websocket.FormatCloseMessage(code, text)
		close(c.done)
	})
}

func (c *conn) writeLoop() {
	pingTicker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		pingTicker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case raw := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-pingTicker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.server.logger.Debugw("error sending ping", "conn_id", c.id, "error", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.drain()
			c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(c.server.config.WriteTimeout))
			return
		}
	}
}

// drain flushes frames queued before shutdown so acks are not lost
func (c *conn) drain() {
	for {
		select {
		case raw := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(c.server.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Infow("error reading from client",
					"client_id", c.session.Identity.ID,
					"error", err,
				)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))

		frame, err := wire.Decode(raw)
		if err != nil {
			c.server.metrics.FrameRejected("malformed")
			c.sendFrame(wire.Ack(&wire.Frame{}, invalidFrame(err.Error())))
			continue
		}
		c.server.handleFrame(context.Background(), c, frame)
	}
}

func (c *conn) isAttached(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[channel]
}

func (c *conn) wantsPresence(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watching[channel]
}

func (c *conn) hasEntered(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entered[channel]
	return ok
}

func (c *conn) enteredChannels() map[string]domain.PresenceMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.PresenceMember, len(c.entered))
	for ch, m := range c.entered {
		out[ch] = m
	}
	return out
}
