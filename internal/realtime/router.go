package realtime

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// Handler receives one decoded message. A returned error is logged and does
// not stop the remaining handlers.
type Handler func(msg domain.Message) error

// HistoryHandler receives the one-time replay of a channel, oldest first.
type HistoryHandler func(channel string, msgs []domain.Message) error

type scopeKind uint8

const (
	scopeSpecific scopeKind = iota + 1
	scopeAnyChannel
	scopeAllMessages
	scopeHistory
)

// Scope selects which messages a handler receives
type Scope struct {
	kind    scopeKind
	channel string
	event   string
}

// Specific matches one event name on one channel
func Specific(channel, event string) Scope {
	return Scope{kind: scopeSpecific, channel: channel, event: event}
}

// AnyChannel matches an event name on every channel
func AnyChannel(event string) Scope {
	return Scope{kind: scopeAnyChannel, event: event}
}

// AllMessages matches every message of every channel
func AllMessages() Scope {
	return Scope{kind: scopeAllMessages}
}

// History matches the replay batch of one channel
func History(channel string) Scope {
	return Scope{kind: scopeHistory, channel: channel}
}

func (s Scope) String() string {
	switch s.kind {
	case scopeSpecific:
		return fmt.Sprintf("specific(%s,%s)", s.channel, s.event)
	case scopeAnyChannel:
		return fmt.Sprintf("any-channel(%s)", s.event)
	case scopeAllMessages:
		return "all-messages"
	case scopeHistory:
		return fmt.Sprintf("history(%s)", s.channel)
	default:
		return "invalid"
	}
}

type subscriber struct {
	seq     uint64
	scope   Scope
	handler Handler
	history HistoryHandler
}

// Subscription is the unsubscribe token returned by every registration
type Subscription struct {
	router *Router
	sub    *subscriber
	once   sync.Once
}

// Unsubscribe is safe to call more than once
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.router.remove(s.sub) })
}

// Router is the multicast dispatch table between transport deliveries and
// local handlers.
type Router struct {
	logger *zap.SugaredLogger

	mu            sync.RWMutex
	seq           uint64
	subs          map[Scope][]*subscriber
	errorHandlers map[uint64]func(error)
}

func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:        logger,
		subs:          make(map[Scope][]*subscriber),
		errorHandlers: make(map[uint64]func(error)),
	}
}

func (r *Router) Subscribe(scope Scope, h Handler) *Subscription {
	return r.add(&subscriber{scope: scope, handler: h})
}

func (r *Router) SubscribeHistory(channel string, h HistoryHandler) *Subscription {
	return r.add(&subscriber{scope: History(channel), history: h})
}

func (r *Router) add(s *subscriber) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	s.seq = r.seq
	r.subs[s.scope] = append(r.subs[s.scope], s)
	return &Subscription{router: r, sub: s}
}

func (r *Router) remove(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[s.scope]
	for i, cur := range list {
		if cur == s {
			next := make([]*subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.subs, s.scope)
			} else {
				r.subs[s.scope] = next
			}
			return
		}
	}
}

// OnError registers fn for per-message failures such as decryption errors
func (r *Router) OnError(fn func(error)) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.errorHandlers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.errorHandlers, id)
		r.mu.Unlock()
	}
}

// Dispatch delivers msg to every matching handler in registration order and
// returns the number of handlers invoked.
func (r *Router) Dispatch(msg domain.Message) int {
	r.mu.RLock()
	var matched []*subscriber
	matched = append(matched, r.subs[Specific(msg.Channel, msg.Name)]...)
	matched = append(matched, r.subs[AnyChannel(msg.Name)]...)
	matched = append(matched, r.subs[AllMessages()]...)
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	for _, s := range matched {
		r.invoke(s.scope, func() error { return s.handler(msg) })
	}
	return len(matched)
}

// DispatchHistory hands the replay of channel to the history handlers
// registered at this moment.
func (r *Router) DispatchHistory(channel string, msgs []domain.Message) int {
	r.mu.RLock()
	matched := append([]*subscriber(nil), r.subs[History(channel)]...)
	r.mu.RUnlock()

	for _, s := range matched {
		batch := append([]domain.Message(nil), msgs...)
		r.invoke(s.scope, func() error { return s.history(channel, batch) })
	}
	return len(matched)
}

// DispatchError reports a per-message failure to the error handlers
func (r *Router) DispatchError(err error) {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.errorHandlers))
	for id := range r.errorHandlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(error), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.errorHandlers[id])
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn := fn
		r.invoke(Scope{}, func() error {
			fn(err)
			return nil
		})
	}
}

func (r *Router) invoke(scope Scope, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("Handler panicked",
				"scope", scope.String(),
				"panic", rec,
			)
		}
	}()

	if err := fn(); err != nil {
		r.logger.Warnw("Handler failed",
			"scope", scope.String(),
			"error", err,
		)
	}
}
