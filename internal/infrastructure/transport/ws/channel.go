package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/wire"
)

type channelHandle struct {
	transport *Transport
	cfg       domain.ChannelConfig

	mu       sync.Mutex
	fn       func(ports.Delivery)
	attached bool
	presHdl  *presenceHandle
}

func (c *channelHandle) Name() string { return c.cfg.Name }

func (c *channelHandle) isAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *channelHandle) Subscribe(ctx context.Context, fn func(ports.Delivery)) error {
	if err := c.transport.allow(c.cfg.Name, domain.OpSubscribe); err != nil {
		return err
	}

	// fn is set before the attach so no message after the ack is missed
	c.mu.Lock()
	c.fn = fn
	already := c.attached
	c.attached = true
	c.mu.Unlock()
	if already {
		return nil
	}

	if _, err := c.transport.request(ctx, &wire.Frame{Action: wire.ActionAttach, Channel: c.cfg.Name}); err != nil {
		c.mu.Lock()
		c.fn = nil
		c.attached = false
		c.mu.Unlock()
		return fmt.Errorf("attach %s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *channelHandle) deliver(msg domain.Message) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return
	}

	d := c.decode(msg)
	c.transport.push(func() { fn(d) })
}

func (c *channelHandle) decode(msg domain.Message) ports.Delivery {
	plain, err := cipher.DecodeMessage(c.transport.cipher, c.cfg, msg)
	if err != nil {
		return ports.Delivery{Err: err}
	}
	return ports.Delivery{Message: plain}
}

// Publish does not wait for the gateway. A rejection arrives later as an
// unsolicited ack and is only logged.
func (c *channelHandle) Publish(ctx context.Context, name string, data json.RawMessage) error {
	if err := c.transport.allow(c.cfg.Name, domain.OpPublish); err != nil {
		return err
	}

	payload, encoding, err := cipher.EncodePayload(c.transport.cipher, c.cfg, data)
	if err != nil {
		return fmt.Errorf("encode %s on %s: %w", name, c.cfg.Name, err)
	}

	return c.transport.send(&wire.Frame{
		Action:   wire.ActionPublish,
		Channel:  c.cfg.Name,
		Name:     name,
		ID:       uuid.NewString(),
		Data:     payload,
		Encoding: encoding,
	})
}

func (c *channelHandle) History(ctx context.Context, limit int) ([]ports.Delivery, error) {
	if err := c.transport.allow(c.cfg.Name, domain.OpHistory); err != nil {
		return nil, err
	}

	reply, err := c.transport.request(ctx, &wire.Frame{Action: wire.ActionHistory, Channel: c.cfg.Name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", c.cfg.Name, err)
	}
	out := make([]ports.Delivery, 0, len(reply.Messages))
	for _, m := range reply.Messages {
		out = append(out, c.decode(m))
	}
	return out, nil
}

func (c *channelHandle) Presence() ports.PresenceHandle {
	return c.presence()
}

func (c *channelHandle) presence() *presenceHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presHdl == nil {
		c.presHdl = &presenceHandle{channel: c, watchers: make(map[*presenceWatcher]struct{})}
	}
	return c.presHdl
}

// Detach stops deliveries and presence watchers locally even when the
// gateway cannot be told
func (c *channelHandle) Detach(ctx context.Context) error {
	c.mu.Lock()
	c.fn = nil
	wasAttached := c.attached
	c.attached = false
	c.mu.Unlock()

	watched := c.presence().clear()
	if !wasAttached && !watched {
		return nil
	}

	_, err := c.transport.request(ctx, &wire.Frame{Action: wire.ActionDetach, Channel: c.cfg.Name})
	if errors.Is(err, domain.ErrNotConnected) || errors.Is(err, domain.ErrClosed) {
		return nil
	}
	return err
}

type presenceWatcher struct {
	fn func(domain.PresenceEvent)
}

type presenceHandle struct {
	channel *channelHandle

	mu       sync.Mutex
	watchers map[*presenceWatcher]struct{}
}

func (p *presenceHandle) send(ctx context.Context, action wire.Action, data json.RawMessage) error {
	name := p.channel.cfg.Name
	if err := p.channel.transport.allow(name, domain.OpPresence); err != nil {
		return err
	}
	if _, err := p.channel.transport.request(ctx, &wire.Frame{Action: action, Channel: name, Data: data}); err != nil {
		return fmt.Errorf("%s %s: %w", action, name, err)
	}
	return nil
}

func (p *presenceHandle) Enter(ctx context.Context, data json.RawMessage) error {
	return p.send(ctx, wire.ActionPresenceEnter, data)
}

func (p *presenceHandle) Update(ctx context.Context, data json.RawMessage) error {
	return p.send(ctx, wire.ActionPresenceUpdate, data)
}

func (p *presenceHandle) Leave(ctx context.Context) error {
	return p.send(ctx, wire.ActionPresenceLeave, nil)
}

func (p *presenceHandle) Members(ctx context.Context) ([]domain.PresenceMember, error) {
	name := p.channel.cfg.Name
	if err := p.channel.transport.allow(name, domain.OpPresence); err != nil {
		return nil, err
	}
	reply, err := p.channel.transport.request(ctx, &wire.Frame{Action: wire.ActionPresenceGet, Channel: name})
	if err != nil {
		return nil, fmt.Errorf("presence members %s: %w", name, err)
	}
	return reply.Members, nil
}

// Subscribe asks the gateway for presence events on the first watcher. While
// disconnected the watch is only recorded and sent after reconnecting.
func (p *presenceHandle) Subscribe(fn func(domain.PresenceEvent)) func() {
	w := &presenceWatcher{fn: fn}

	p.mu.Lock()
	first := len(p.watchers) == 0
	p.watchers[w] = struct{}{}
	p.mu.Unlock()

	if first {
		p.toggle(wire.ActionPresenceWatch)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			_, ok := p.watchers[w]
			delete(p.watchers, w)
			last := ok && len(p.watchers) == 0
			p.mu.Unlock()

			if last {
				p.toggle(wire.ActionPresenceUnwatch)
			}
		})
	}
}

func (p *presenceHandle) toggle(action wire.Action) {
	t := p.channel.transport
	name := p.channel.cfg.Name
	if err := t.allow(name, domain.OpPresence); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(t.lifetime, t.config.RequestTimeout)
	defer cancel()
	if _, err := t.request(ctx, &wire.Frame{Action: action, Channel: name}); err != nil {
		t.logger.Warnw("presence watch request failed",
			"channel", name,
			"action", action,
			"error", err,
		)
	}
}

func (p *presenceHandle) watched() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers) > 0
}

// clear drops every watcher and reports whether there were any
func (p *presenceHandle) clear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	had := len(p.watchers) > 0
	p.watchers = make(map[*presenceWatcher]struct{})
	return had
}

func (p *presenceHandle) dispatch(ev domain.PresenceEvent) {
	p.mu.Lock()
	fns := make([]func(domain.PresenceEvent), 0, len(p.watchers))
	for w := range p.watchers {
		fns = append(fns, w.fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		p.channel.transport.push(func() { fn(ev) })
	}
}
