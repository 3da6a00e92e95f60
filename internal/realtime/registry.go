package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport"
	"github.com/tumkoussekya/studio-sub000/pkg/validation"
)

type channelEntry struct {
	config domain.ChannelConfig
	ready  chan struct{}

	// set before ready is closed
	handle ports.ChannelHandle
	err    error

	mu          sync.Mutex
	historyDone bool
	pending     []ports.Delivery
	replayed    map[string]struct{}
}

// Registry owns one subscription per channel name and replays retained
// history to local handlers the first time a channel is referenced. Every
// handler invocation, replay included, runs on the registry's dispatch
// goroutine one at a time.
type Registry struct {
	transport ports.Transport
	policy    *ChannelPolicy
	router    *Router
	logger    *zap.SugaredLogger
	dispatch  *transport.Mailbox

	mu       sync.Mutex
	channels map[string]*channelEntry
}

func NewRegistry(tr ports.Transport, policy *ChannelPolicy, router *Router, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		transport: tr,
		policy:    policy,
		router:    router,
		logger:    logger,
		dispatch:  transport.NewMailbox(),
		channels:  make(map[string]*channelEntry),
	}
}

// serialize queues fn behind every pending handler invocation
func (r *Registry) serialize(fn func()) {
	r.dispatch.Push(fn)
}

// Resolve returns the attached handle for name, creating the subscription on
// first use. Concurrent first callers share one initialisation. A failed
// initialisation is forgotten so a later call can retry.
func (r *Registry) Resolve(ctx context.Context, name string) (ports.ChannelHandle, error) {
	if err := validation.ValidateChannelName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.channels[name]
	if !ok {
		entry = &channelEntry{
			config:   r.policy.Resolve(name),
			ready:    make(chan struct{}),
			replayed: make(map[string]struct{}),
		}
		r.channels[name] = entry
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-entry.ready:
			return entry.handle, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.initialise(ctx, entry)
	if entry.err != nil {
		r.mu.Lock()
		if r.channels[name] == entry {
			delete(r.channels, name)
		}
		r.mu.Unlock()
	}
	close(entry.ready)
	return entry.handle, entry.err
}

func (r *Registry) initialise(ctx context.Context, e *channelEntry) {
	name := e.config.Name

	handle, err := r.transport.Channel(e.config)
	if err != nil {
		e.err = fmt.Errorf("open channel %s: %w", name, err)
		return
	}
	if err := handle.Subscribe(ctx, func(d ports.Delivery) { r.inbound(e, d) }); err != nil {
		e.err = fmt.Errorf("subscribe %s: %w", name, err)
		return
	}
	e.handle = handle

	var replay []domain.Message
	var failed []error
	history, err := handle.History(ctx, e.config.RetainedDepth)
	if err != nil {
		r.logger.Warnw("History fetch failed, continuing without replay",
			"channel", name,
			"error", err,
		)
	}
	for _, d := range history {
		if d.Err != nil {
			failed = append(failed, d.Err)
			continue
		}
		replay = append(replay, d.Message)
		if d.Message.ID != "" {
			e.replayed[d.Message.ID] = struct{}{}
		}
	}

	// live deliveries keep queuing in e.pending until flush has run
	r.serialize(func() {
		for _, err := range failed {
			r.reportError(name, err)
		}
		delivered := r.router.DispatchHistory(name, replay)
		r.logger.Debugw("Channel attached",
			"channel", name,
			"encrypted", e.config.Encrypted,
			"history", len(replay),
			"history_handlers", delivered,
		)
		r.flush(e)
	})
}

// flush drains live events queued during the history fetch. It runs on the
// dispatch goroutine. historyDone is only set once nothing is pending, so
// ordering with deliveries that arrive meanwhile is kept.
func (r *Registry) flush(e *channelEntry) {
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.historyDone = true
			e.replayed = nil
			e.mu.Unlock()
			return
		}
		batch := e.pending
		e.pending = nil
		replayed := e.replayed
		e.mu.Unlock()

		for _, d := range batch {
			if d.Err == nil {
				if _, dup := replayed[d.Message.ID]; dup {
					continue
				}
			}
			r.deliver(e.config.Name, d)
		}
	}
}

func (r *Registry) inbound(e *channelEntry, d ports.Delivery) {
	e.mu.Lock()
	if !e.historyDone {
		e.pending = append(e.pending, d)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	name := e.config.Name
	r.serialize(func() { r.deliver(name, d) })
}

func (r *Registry) deliver(channel string, d ports.Delivery) {
	if d.Err != nil {
		r.reportError(channel, d.Err)
		return
	}
	r.router.Dispatch(d.Message)
}

func (r *Registry) reportError(channel string, err error) {
	r.logger.Warnw("Dropping undeliverable message",
		"channel", channel,
		"error", err,
	)
	r.router.DispatchError(err)
}

// Config returns the classification of name, resolving it through the
// policy if the channel has not been referenced yet.
func (r *Registry) Config(name string) domain.ChannelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[name]; ok {
		return e.config
	}
	return r.policy.Resolve(name)
}

// Channels lists the names with an attached subscription
func (r *Registry) Channels() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// Handles returns the attached handles, skipping channels still initialising
func (r *Registry) Handles() map[string]ports.ChannelHandle {
	r.mu.Lock()
	entries := make([]*channelEntry, 0, len(r.channels))
	for _, e := range r.channels {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make(map[string]ports.ChannelHandle, len(entries))
	for _, e := range entries {
		select {
		case <-e.ready:
			if e.err == nil {
				out[e.config.Name] = e.handle
			}
		default:
		}
	}
	return out
}

// Close detaches every channel and forgets them. Handler invocations still
// queued are dropped.
func (r *Registry) Close(ctx context.Context) error {
	defer r.dispatch.Stop()

	handles := r.Handles()

	r.mu.Lock()
	r.channels = make(map[string]*channelEntry)
	r.mu.Unlock()

	var errs error
	for name, h := range handles {
		if err := h.Detach(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("detach %s: %w", name, err))
		}
	}
	return errs
}
