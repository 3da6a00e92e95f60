package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
)

type Option func(*Transport)

func WithCipher(c *cipher.Cipher) Option {
	return func(t *Transport) { t.cipher = c }
}

func WithCapability(capability domain.Capability) Option {
	return func(t *Transport) { t.capability = capability }
}

// WithConnectError makes Connect fail with err until ClearConnectError
func WithConnectError(err error) Option {
	return func(t *Transport) { t.connectErr = err }
}

type Transport struct {
	hub        *Hub
	identity   domain.ClientIdentity
	capability domain.Capability
	cipher     *cipher.Cipher

	mu         sync.Mutex
	connectErr error
	state      ports.ConnectionState
	stateFns   []func(ports.ConnectionState)
	channels   map[string]*channelHandle
	mailbox    *transport.Mailbox
}

var _ ports.Transport = (*Transport)(nil)

// NewTransport creates a client of h that will connect as identity. Without
// WithCapability the client may do everything.
func (h *Hub) NewTransport(identity domain.ClientIdentity, opts ...Option) *Transport {
	t := &Transport{
		hub:        h,
		identity:   identity,
		capability: domain.FullCapability(),
		state:      ports.StateInitialized,
		channels:   make(map[string]*channelHandle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connect(ctx context.Context) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		t.setState(ports.StateFailed)
		return nil, err
	}
	if t.state == ports.StateClosed {
		t.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if t.mailbox == nil {
		t.mailbox = transport.NewMailbox()
	}
	t.mu.Unlock()

	t.setState(ports.StateConnected)
	return t.session(), nil
}

func (t *Transport) ClearConnectError() {
	t.mu.Lock()
	t.connectErr = nil
	t.mu.Unlock()
}

func (t *Transport) session() *domain.Session {
	return &domain.Session{
		Identity:   t.identity,
		Capability: t.capability,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func (t *Transport) OnStateChange(fn func(ports.ConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *Transport) setState(state ports.ConnectionState) {
	t.mu.Lock()
	if t.state == state {
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

// SimulateDrop behaves like a lost connection: presence of this client is
// expired on every channel and state goes to disconnected.
func (t *Transport) SimulateDrop() {
	t.hub.dropMember(t.identity.ID)
	t.setState(ports.StateDisconnected)
}

// SimulateReconnect reports the connection as restored
func (t *Transport) SimulateReconnect() {
	t.setState(ports.StateConnected)
}

func (t *Transport) connected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != ports.StateConnected {
		return domain.ErrNotConnected
	}
	return nil
}

func (t *Transport) allow(channel string, op domain.Operation) error {
	if !t.capability.Allows(channel, op) {
		return &domain.CapabilityError{Channel: channel, Operation: op}
	}
	return nil
}

func (t *Transport) Channel(cfg domain.ChannelConfig) (ports.ChannelHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == ports.StateClosed {
		return nil, domain.ErrClosed
	}
	if h, ok := t.channels[cfg.Name]; ok {
		return h, nil
	}
	h := &channelHandle{transport: t, cfg: cfg}
	t.channels[cfg.Name] = h
	return h, nil
}

func (t *Transport) notifyPresence(fn func(domain.PresenceEvent), ev domain.PresenceEvent) {
	t.mu.Lock()
	mb := t.mailbox
	t.mu.Unlock()
	if mb != nil {
		mb.Push(func() { fn(ev) })
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == ports.StateClosed {
		t.mu.Unlock()
		return nil
	}
	handles := make([]*channelHandle, 0, len(t.channels))
	for _, h := range t.channels {
		handles = append(handles, h)
	}
	mb := t.mailbox
	t.mu.Unlock()

	for _, h := range handles {
		t.hub.detach(h)
		h.presence().unwatchAll()
	}
	t.hub.dropMember(t.identity.ID)
	if mb != nil {
		mb.Stop()
	}
	t.setState(ports.StateClosed)
	return nil
}

type channelHandle struct {
	transport *Transport
	cfg       domain.ChannelConfig

	mu       sync.Mutex
	fn       func(ports.Delivery)
	presHdl  *presenceHandle
	attached bool
}

func (c *channelHandle) Name() string { return c.cfg.Name }

func (c *channelHandle) Subscribe(ctx context.Context, fn func(ports.Delivery)) error {
	if err := c.transport.connected(); err != nil {
		return err
	}
	if err := c.transport.allow(c.cfg.Name, domain.OpSubscribe); err != nil {
		return err
	}

	c.mu.Lock()
	c.fn = fn
	already := c.attached
	c.attached = true
	c.mu.Unlock()

	if !already {
		c.transport.hub.attach(c)
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
	c.transport.mu.Lock()
	mb := c.transport.mailbox
	c.transport.mu.Unlock()
	if mb != nil {
		mb.Push(func() { fn(d) })
	}
}

func (c *channelHandle) decode(msg domain.Message) ports.Delivery {
	plain, err := cipher.DecodeMessage(c.transport.cipher, c.cfg, msg)
	if err != nil {
		return ports.Delivery{Err: err}
	}
	return ports.Delivery{Message: plain}
}

func (c *channelHandle) Publish(ctx context.Context, name string, data json.RawMessage) error {
	if err := c.transport.connected(); err != nil {
		return err
	}
	if err := c.transport.allow(c.cfg.Name, domain.OpPublish); err != nil {
		return err
	}

	payload, encoding, err := cipher.EncodePayload(c.transport.cipher, c.cfg, data)
	if err != nil {
		return fmt.Errorf("encode %s on %s: %w", name, c.cfg.Name, err)
	}

	c.transport.hub.publish(domain.Message{
		ID:        uuid.NewString(),
		Channel:   c.cfg.Name,
		Name:      name,
		ClientID:  c.transport.identity.ID,
		Data:      payload,
		Encoding:  encoding,
		Timestamp: time.Now(),
	})
	return nil
}

func (c *channelHandle) History(ctx context.Context, limit int) ([]ports.Delivery, error) {
	if err := c.transport.connected(); err != nil {
		return nil, err
	}
	if err := c.transport.allow(c.cfg.Name, domain.OpHistory); err != nil {
		return nil, err
	}

	msgs := c.transport.hub.history(c.cfg.Name, limit)
	out := make([]ports.Delivery, 0, len(msgs))
	for _, m := range msgs {
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
		c.presHdl = &presenceHandle{channel: c, unwatch: make(map[*presenceWatcher]func())}
	}
	return c.presHdl
}

func (c *channelHandle) Detach(ctx context.Context) error {
	c.mu.Lock()
	c.fn = nil
	c.attached = false
	c.mu.Unlock()

	c.transport.hub.detach(c)
	c.presence().unwatchAll()
	return nil
}

type presenceHandle struct {
	channel *channelHandle

	mu      sync.Mutex
	unwatch map[*presenceWatcher]func()
}

func (p *presenceHandle) member(data json.RawMessage) domain.PresenceMember {
	return domain.PresenceMember{Identity: p.channel.transport.identity, Data: data}
}

func (p *presenceHandle) check() error {
	if err := p.channel.transport.connected(); err != nil {
		return err
	}
	return p.channel.transport.allow(p.channel.cfg.Name, domain.OpPresence)
}

func (p *presenceHandle) Enter(ctx context.Context, data json.RawMessage) error {
	if err := p.check(); err != nil {
		return err
	}
	p.channel.transport.hub.setMember(p.channel.cfg.Name, p.member(data), domain.PresenceEnter)
	return nil
}

func (p *presenceHandle) Update(ctx context.Context, data json.RawMessage) error {
	if err := p.check(); err != nil {
		return err
	}
	p.channel.transport.hub.setMember(p.channel.cfg.Name, p.member(data), domain.PresenceUpdate)
	return nil
}

func (p *presenceHandle) Leave(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	p.channel.transport.hub.setMember(p.channel.cfg.Name, p.member(nil), domain.PresenceLeave)
	return nil
}

func (p *presenceHandle) Members(ctx context.Context) ([]domain.PresenceMember, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.channel.transport.hub.members(p.channel.cfg.Name), nil
}

func (p *presenceHandle) Subscribe(fn func(domain.PresenceEvent)) func() {
	w := &presenceWatcher{owner: p.channel.transport, fn: fn}
	stop := p.channel.transport.hub.watch(p.channel.cfg.Name, w)

	p.mu.Lock()
	p.unwatch[w] = stop
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.unwatch, w)
		p.mu.Unlock()
		stop()
	}
}

func (p *presenceHandle) unwatchAll() {
	p.mu.Lock()
	stops := make([]func(), 0, len(p.unwatch))
	for w, stop := range p.unwatch {
		stops = append(stops, stop)
		delete(p.unwatch, w)
	}
	p.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}
