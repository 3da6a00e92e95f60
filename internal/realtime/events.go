package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

func decode[T any](msg domain.Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s on %s: %w", msg.Name, msg.Channel, err)
	}
	return v, nil
}

// SendPosition broadcasts the caller's avatar position on the world channel
func (c *Client) SendPosition(ctx context.Context, x, y float64) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	id, err := c.Identity()
	if err != nil {
		return err
	}
	return c.Send(ctx, WorldPresenceChannel, EventPosition, domain.PositionUpdate{
		ClientID: id.ID,
		Label:    id.Label,
		X:        x,
		Y:        y,
	})
}

// OnPosition receives position updates of other clients
func (c *Client) OnPosition(ctx context.Context, fn func(domain.PositionUpdate)) (*Subscription, error) {
	return c.On(ctx, WorldPresenceChannel, EventPosition, func(msg domain.Message) error {
		update, err := decode[domain.PositionUpdate](msg)
		if err != nil {
			return err
		}
		if self, _ := c.ClientID(); update.ClientID == self {
			return nil
		}
		fn(update)
		return nil
	})
}

// SendKnock invites to on the shared signaling channel
func (c *Client) SendKnock(ctx context.Context, to string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	id, err := c.Identity()
	if err != nil {
		return err
	}
	return c.Send(ctx, SignalingChannel, EventKnock, domain.Knock{
		From:      id.ID,
		FromLabel: id.Label,
		To:        to,
	})
}

// OnKnock fires only for knocks addressed to this client
func (c *Client) OnKnock(ctx context.Context, fn func(domain.Knock)) (*Subscription, error) {
	return c.On(ctx, SignalingChannel, EventKnock, func(msg domain.Message) error {
		knock, err := decode[domain.Knock](msg)
		if err != nil {
			return err
		}
		if self, _ := c.ClientID(); knock.To != self {
			return nil
		}
		fn(knock)
		return nil
	})
}

func (c *Client) SendDrawing(ctx context.Context, ev domain.DrawingEvent) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	if ev.ClientID == "" {
		ev.ClientID, _ = c.ClientID()
	}
	return c.Send(ctx, WhiteboardChannel, EventDraw, ev)
}

func (c *Client) OnDrawing(ctx context.Context, fn func(domain.DrawingEvent)) (*Subscription, error) {
	return c.On(ctx, WhiteboardChannel, EventDraw, func(msg domain.Message) error {
		ev, err := decode[domain.DrawingEvent](msg)
		if err != nil {
			return err
		}
		fn(ev)
		return nil
	})
}

// SendChat posts text to channel, which may be a direct channel from
// DirectChannelName
func (c *Client) SendChat(ctx context.Context, channel, text string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	id, err := c.Identity()
	if err != nil {
		return err
	}
	return c.Send(ctx, channel, EventChat, domain.ChatMessage{
		ClientID: id.ID,
		Label:    id.Label,
		Text:     text,
		SentAt:   time.Now().UTC(),
	})
}

// SendDirect posts text to the direct channel shared with peerID
func (c *Client) SendDirect(ctx context.Context, peerID, text string) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	self, err := c.ClientID()
	if err != nil {
		return err
	}
	return c.SendChat(ctx, DirectChannelName(self, peerID), text)
}

func (c *Client) OnChat(ctx context.Context, channel string, fn func(channel string, m domain.ChatMessage)) (*Subscription, error) {
	return c.On(ctx, channel, EventChat, chatHandler(fn))
}

// OnAnyChat receives chat messages of every attached channel
func (c *Client) OnAnyChat(fn func(channel string, m domain.ChatMessage)) *Subscription {
	return c.OnAny(EventChat, chatHandler(fn))
}

func chatHandler(fn func(string, domain.ChatMessage)) Handler {
	return func(msg domain.Message) error {
		m, err := decode[domain.ChatMessage](msg)
		if err != nil {
			return err
		}
		fn(msg.Channel, m)
		return nil
	}
}

// SendSignal publishes a mesh negotiation envelope. From and Label are
// filled from the client identity.
func (c *Client) SendSignal(ctx context.Context, env domain.SignalEnvelope) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	id, err := c.Identity()
	if err != nil {
		return err
	}
	env.From = id.ID
	if env.Label == "" {
		env.Label = id.Label
	}
	return c.Send(ctx, SignalingChannel, EventSignal, env)
}

// OnSignal fires only for envelopes addressed to this client
func (c *Client) OnSignal(ctx context.Context, fn func(domain.SignalEnvelope)) (*Subscription, error) {
	return c.On(ctx, SignalingChannel, EventSignal, func(msg domain.Message) error {
		env, err := decode[domain.SignalEnvelope](msg)
		if err != nil {
			return err
		}
		if self, _ := c.ClientID(); env.To != self {
			return nil
		}
		fn(env)
		return nil
	})
}
