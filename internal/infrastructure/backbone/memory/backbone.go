// Package memory is the single instance gateway backbone
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
)

type Backbone struct {
	retained int

	mu          sync.Mutex
	closed      bool
	history     map[string]*utils.RingBuffer[domain.Message]
	members     map[string]map[string]domain.PresenceMember
	subscribers map[*transport.Mailbox]func(ports.BackboneEvent)
}

var _ ports.Backbone = (*Backbone)(nil)

func NewBackbone(retained int) *Backbone {
	if retained <= 0 {
		retained = 100
	}
	return &Backbone{
		retained:    retained,
		history:     make(map[string]*utils.RingBuffer[domain.Message]),
		members:     make(map[string]map[string]domain.PresenceMember),
		subscribers: make(map[*transport.Mailbox]func(ports.BackboneEvent)),
	}
}

// fanoutLocked queues ev for every subscriber. Queueing under b.mu keeps
// delivery order equal to the order history and presence were changed in.
func (b *Backbone) fanoutLocked(ev ports.BackboneEvent) {
	for mb, fn := range b.subscribers {
		fn := fn
		mb.Push(func() { fn(ev) })
	}
}

func (b *Backbone) Publish(ctx context.Context, msg *domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrClosed
	}

	ring, ok := b.history[msg.Channel]
	if !ok {
		ring = utils.NewRingBuffer[domain.Message](b.retained)
		b.history[msg.Channel] = ring
	}
	ring.Push(*msg)

	copied := *msg
	b.fanoutLocked(ports.BackboneEvent{Message: &copied})
	return nil
}

func (b *Backbone) History(ctx context.Context, channel string, limit int) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.history[channel]
	if !ok {
		return []domain.Message{}, nil
	}
	return ring.Last(limit), nil
}

func (b *Backbone) EnterPresence(ctx context.Context, channel string, member domain.PresenceMember, action domain.PresenceAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrClosed
	}

	set, ok := b.members[channel]
	if !ok {
		set = make(map[string]domain.PresenceMember)
		b.members[channel] = set
	}
	// enter of a present member is an update, update of an absent one enters
	action = domain.PresenceEnter
	if _, present := set[member.Identity.ID]; present {
		action = domain.PresenceUpdate
	}
	set[member.Identity.ID] = member

	b.fanoutLocked(ports.BackboneEvent{Presence: &domain.PresenceEvent{
		Channel:   channel,
		Action:    action,
		Member:    member,
		Timestamp: time.Now(),
	}})
	return nil
}

func (b *Backbone) LeavePresence(ctx context.Context, channel string, member domain.PresenceMember) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrClosed
	}

	existing, ok := b.members[channel][member.Identity.ID]
	if !ok {
		return nil
	}
	delete(b.members[channel], member.Identity.ID)

	b.fanoutLocked(ports.BackboneEvent{Presence: &domain.PresenceEvent{
		Channel:   channel,
		Action:    domain.PresenceLeave,
		Member:    existing,
		Timestamp: time.Now(),
	}})
	return nil
}

func (b *Backbone) Members(ctx context.Context, channel string) ([]domain.PresenceMember, error) {
	b.mu.Lock()
	out := make([]domain.PresenceMember, 0, len(b.members[channel]))
	for _, m := range b.members[channel] {
		out = append(out, m)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out, nil
}

func (b *Backbone) Subscribe(ctx context.Context, fn func(ports.BackboneEvent)) error {
	mb := transport.NewMailbox()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		mb.Stop()
		return domain.ErrClosed
	}
	b.subscribers[mb] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subscribers, mb)
		b.mu.Unlock()
		mb.Stop()
	}()
	return nil
}

func (b *Backbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for mb := range b.subscribers {
		mb.Stop()
		delete(b.subscribers, mb)
	}
	return nil
}
