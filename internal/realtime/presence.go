package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// PresenceUpdate is what presence handlers receive. Members is only set for
// the synthetic sync update; Member is set for live ones.
type PresenceUpdate struct {
	Channel string
	Action  domain.PresenceAction
	Member  domain.PresenceMember
	Members []domain.PresenceMember
}

type PresenceHandler func(PresenceUpdate)

type PresenceTracker struct {
	registry *Registry
	logger   *zap.SugaredLogger
}

func NewPresenceTracker(registry *Registry, logger *zap.SugaredLogger) *PresenceTracker {
	return &PresenceTracker{registry: registry, logger: logger}
}

// Subscribe delivers live enter/leave/update events for channel plus one
// sync update with the membership fetched right after subscribing. Updates
// run on the same goroutine as message handlers. The returned func stops
// delivery.
func (t *PresenceTracker) Subscribe(ctx context.Context, channel string, h PresenceHandler) (func(), error) {
	handle, err := t.registry.Resolve(ctx, channel)
	if err != nil {
		return nil, err
	}

	safe := func(u PresenceUpdate) {
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Errorw("Presence handler panicked",
					"channel", channel,
					"panic", rec,
				)
			}
		}()
		h(u)
	}

	stop := handle.Presence().Subscribe(func(ev domain.PresenceEvent) {
		update := PresenceUpdate{Channel: channel, Action: ev.Action, Member: ev.Member}
		t.registry.serialize(func() { safe(update) })
	})

	members, err := handle.Presence().Members(ctx)
	if err != nil {
		stop()
		return nil, fmt.Errorf("fetch presence of %s: %w", channel, err)
	}
	initial := PresenceUpdate{Channel: channel, Action: domain.PresenceSync, Members: members}
	t.registry.serialize(func() { safe(initial) })

	return stop, nil
}

// Snapshot reads the current membership of channel. Nothing is cached.
func (t *PresenceTracker) Snapshot(ctx context.Context, channel string) ([]domain.PresenceMember, error) {
	handle, err := t.registry.Resolve(ctx, channel)
	if err != nil {
		return nil, err
	}
	return handle.Presence().Members(ctx)
}
