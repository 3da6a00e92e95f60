// Package memory is an in-process pub/sub transport. Every Transport created
// from the same Hub shares channels, history and presence, which makes it a
// stand-in for the hosted service in single-process deployments and tests.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
)

const DefaultRetainedDepth = 100

type Hub struct {
	retained int

	mu       sync.Mutex
	channels map[string]*hubChannel
}

type hubChannel struct {
	history     *utils.RingBuffer[domain.Message]
	subscribers map[*channelHandle]struct{}
	members     map[string]domain.PresenceMember
	watchers    map[*presenceWatcher]struct{}
}

type presenceWatcher struct {
	owner *Transport
	fn    func(domain.PresenceEvent)
}

func NewHub(retained int) *Hub {
	if retained <= 0 {
		retained = DefaultRetainedDepth
	}
	return &Hub{
		retained: retained,
		channels: make(map[string]*hubChannel),
	}
}

// channelLocked must be called with h.mu held
func (h *Hub) channelLocked(name string) *hubChannel {
	ch, ok := h.channels[name]
	if !ok {
		ch = &hubChannel{
			history:     utils.NewRingBuffer[domain.Message](h.retained),
			subscribers: make(map[*channelHandle]struct{}),
			members:     make(map[string]domain.PresenceMember),
			watchers:    make(map[*presenceWatcher]struct{}),
		}
		h.channels[name] = ch
	}
	return ch
}

func (h *Hub) publish(msg domain.Message) {
	h.mu.Lock()
	ch := h.channelLocked(msg.Channel)
	ch.history.Push(msg)
	subs := make([]*channelHandle, 0, len(ch.subscribers))
	for s := range ch.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
}

func (h *Hub) history(channel string, limit int) []domain.Message {
	h.mu.Lock()
	ch := h.channelLocked(channel)
	h.mu.Unlock()
	return ch.history.Last(limit)
}

func (h *Hub) attach(s *channelHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelLocked(s.cfg.Name).subscribers[s] = struct{}{}
}

func (h *Hub) detach(s *channelHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channelLocked(s.cfg.Name).subscribers, s)
}

func (h *Hub) setMember(channel string, member domain.PresenceMember, action domain.PresenceAction) {
	h.mu.Lock()
	ch := h.channelLocked(channel)
	if action == domain.PresenceLeave {
		existing, ok := ch.members[member.Identity.ID]
		if !ok {
			h.mu.Unlock()
			return
		}
		delete(ch.members, member.Identity.ID)
		member = existing
	} else {
		if _, ok := ch.members[member.Identity.ID]; ok && action == domain.PresenceEnter {
			action = domain.PresenceUpdate
		}
		ch.members[member.Identity.ID] = member
	}
	watchers := make([]*presenceWatcher, 0, len(ch.watchers))
	for w := range ch.watchers {
		watchers = append(watchers, w)
	}
	h.mu.Unlock()

	ev := domain.PresenceEvent{Channel: channel, Action: action, Member: member, Timestamp: time.Now()}
	for _, w := range watchers {
		w.owner.notifyPresence(w.fn, ev)
	}
}

func (h *Hub) members(channel string) []domain.PresenceMember {
	h.mu.Lock()
	ch := h.channelLocked(channel)
	out := make([]domain.PresenceMember, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

func (h *Hub) watch(channel string, w *presenceWatcher) func() {
	h.mu.Lock()
	h.channelLocked(channel).watchers[w] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.channelLocked(channel).watchers, w)
		h.mu.Unlock()
	}
}

// dropMember removes clientID from every channel it is present in, the way a
// hosted service expires presence of a dropped connection.
func (h *Hub) dropMember(clientID string) {
	h.mu.Lock()
	var names []string
	for name, ch := range h.channels {
		if _, ok := ch.members[clientID]; ok {
			names = append(names, name)
		}
	}
	h.mu.Unlock()

	for _, name := range names {
		h.setMember(name, domain.PresenceMember{Identity: domain.ClientIdentity{ID: clientID}}, domain.PresenceLeave)
	}
}
