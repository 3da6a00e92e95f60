// Package realtime is the client-side core of the pub/sub layer: channel
// lifecycle, message dispatch, presence and the typed events built on top.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
)

// Client is the single entry point used by application code. Build exactly
// one per process and share it.
type Client struct {
	transport ports.Transport
	registry  *Registry
	router    *Router
	presence  *PresenceTracker
	logger    *zap.SugaredLogger

	connect singleflight.Group

	mu           sync.RWMutex
	session      *domain.Session
	closed       bool
	disconnected bool
	entered      map[string]json.RawMessage
}

func NewClient(transport ports.Transport, policy *ChannelPolicy, logger *zap.SugaredLogger) *Client {
	router := NewRouter(logger)
	registry := NewRegistry(transport, policy, router, logger)

	c := &Client{
		transport: transport,
		registry:  registry,
		router:    router,
		presence:  NewPresenceTracker(registry, logger),
		logger:    logger,
		entered:   make(map[string]json.RawMessage),
	}
	transport.OnStateChange(c.onStateChange)
	return c
}

// Connect is idempotent. Concurrent callers share one attempt; a failed
// attempt is not retried until Connect is called again. The shared attempt
// is not cancelled with any single caller's ctx and stays bounded by the
// transport's own timeouts; a caller whose ctx ends stops waiting for it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed, connected := c.closed, c.session != nil
	c.mu.RUnlock()
	if closed {
		return domain.ErrClosed
	}
	if connected {
		return nil
	}

	attempt := context.WithoutCancel(ctx)
	result := c.connect.DoChan("connect", func() (interface{}, error) {
		session, err := c.transport.Connect(attempt)
		if err != nil {
			return nil, domain.NewConnectionError(err)
		}

		c.mu.Lock()
		c.session = session
		c.mu.Unlock()

		c.logger.Infow("Realtime client connected",
			"client_id", session.Identity.ID,
			"label", session.Identity.Label,
		)
		return nil, nil
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return domain.NewConnectionError(ctx.Err())
	}
}

// Identity fails with domain.ErrNotConnected until Connect has succeeded
func (c *Client) Identity() (domain.ClientIdentity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return domain.ClientIdentity{}, domain.ErrNotConnected
	}
	return c.session.Identity, nil
}

func (c *Client) ClientID() (string, error) {
	id, err := c.Identity()
	return id.ID, err
}

// ChannelConfig reports how name is classified
func (c *Client) ChannelConfig(name string) domain.ChannelConfig {
	return c.registry.Config(name)
}

func (c *Client) Presence() *PresenceTracker {
	return c.presence
}

func (c *Client) ready(ctx context.Context, channel string, op domain.Operation) (ports.ChannelHandle, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	capability := c.session.Capability
	c.mu.RUnlock()
	if !capability.Allows(channel, op) {
		return nil, &domain.CapabilityError{Channel: channel, Operation: op}
	}
	return c.registry.Resolve(ctx, channel)
}

// Send publishes payload as event on channel. Delivery is not acknowledged.
func (c *Client) Send(ctx context.Context, channel, event string, payload interface{}) error {
	handle, err := c.ready(ctx, channel, domain.OpPublish)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return handle.Publish(ctx, event, data)
}

// On registers h for event on channel and attaches the channel
func (c *Client) On(ctx context.Context, channel, event string, h Handler) (*Subscription, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	sub := c.router.Subscribe(Specific(channel, event), h)
	if _, err := c.ready(ctx, channel, domain.OpSubscribe); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// OnAny receives event from every attached channel. It does not attach any
// channel by itself.
func (c *Client) OnAny(event string, h Handler) *Subscription {
	return c.router.Subscribe(AnyChannel(event), h)
}

// OnAllMessages receives every message of every attached channel
func (c *Client) OnAllMessages(h Handler) *Subscription {
	return c.router.Subscribe(AllMessages(), h)
}

// OnHistory registers h for the replay of channel. The replay happens once,
// when the channel is first attached; registering afterwards has no effect
// beyond attaching.
func (c *Client) OnHistory(ctx context.Context, channel string, h HistoryHandler) (*Subscription, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	sub := c.router.SubscribeHistory(channel, h)
	if _, err := c.ready(ctx, channel, domain.OpSubscribe); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// OnError receives per-message failures. The channel stays attached.
func (c *Client) OnError(fn func(error)) func() {
	return c.router.OnError(fn)
}

// EnterPresence is idempotent. The entry is re-issued after the transport
// reports a reconnect.
func (c *Client) EnterPresence(ctx context.Context, channel string, data interface{}) error {
	handle, err := c.ready(ctx, channel, domain.OpPresence)
	if err != nil {
		return err
	}

	raw, err := marshalOptional(data)
	if err != nil {
		return err
	}
	if err := handle.Presence().Enter(ctx, raw); err != nil {
		return err
	}

	c.mu.Lock()
	c.entered[channel] = raw
	c.mu.Unlock()
	return nil
}

func (c *Client) LeavePresence(ctx context.Context, channel string) error {
	handle, err := c.ready(ctx, channel, domain.OpPresence)
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entered, channel)
	c.mu.Unlock()
	return handle.Presence().Leave(ctx)
}

func marshalOptional(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal presence data: %w", err)
	}
	return raw, nil
}

func (c *Client) onStateChange(state ports.ConnectionState) {
	c.logger.Infow("Transport state changed", "state", state)

	switch state {
	case ports.StateDisconnected, ports.StateFailed:
		c.mu.Lock()
		c.disconnected = c.session != nil
		c.mu.Unlock()
	case ports.StateConnected:
		c.mu.Lock()
		reenter := c.disconnected
		c.disconnected = false
		entered := make(map[string]json.RawMessage, len(c.entered))
		for ch, data := range c.entered {
			entered[ch] = data
		}
		c.mu.Unlock()

		if reenter && len(entered) > 0 {
			// state callbacks may run on the transport's reader goroutine
			go c.reenterPresence(entered)
		}
	}
}

func (c *Client) reenterPresence(entered map[string]json.RawMessage) {
	ctx := context.Background()
	handles := c.registry.Handles()
	for channel, data := range entered {
		handle, ok := handles[channel]
		if !ok {
			continue
		}
		if err := handle.Presence().Enter(ctx, data); err != nil {
			c.logger.Warnw("Failed to re-enter presence after reconnect",
				"channel", channel,
				"error", err,
			)
			continue
		}
		c.logger.Debugw("Re-entered presence", "channel", channel)
	}
}

// Close detaches every channel and closes the transport. The client cannot
// be reused afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs error
	if err := c.registry.Close(context.Background()); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, c.transport.Close())
	return errs
}
