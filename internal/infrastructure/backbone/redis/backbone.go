// Package redis is the multi instance gateway backbone. Events travel over a
// single pub/sub channel, history is a capped list per channel and presence a
// hash per channel keyed by client id.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
)

const (
	busChannel     = "studio:bus"
	historyPrefix  = "studio:history:"
	presencePrefix = "studio:presence:"
)

func historyKey(channel string) string  { return historyPrefix + channel }
func presenceKey(channel string) string { return presencePrefix + channel }

type Backbone struct {
	client   *redis.Client
	retained int
	logger   *zap.SugaredLogger
}

var _ ports.Backbone = (*Backbone)(nil)

func NewBackbone(client *redis.Client, retained int, logger *zap.SugaredLogger) *Backbone {
	if retained <= 0 {
		retained = 100
	}
	return &Backbone{client: client, retained: retained, logger: logger}
}

func (b *Backbone) Publish(ctx context.Context, msg *domain.Message) error {
	stored, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	event, err := json.Marshal(ports.BackboneEvent{Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := historyKey(msg.Channel)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, stored)
		pipe.LTrim(ctx, key, -int64(b.retained), -1)
		pipe.Publish(ctx, busChannel, event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *Backbone) History(ctx context.Context, channel string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > b.retained {
		limit = b.retained
	}
	raw, err := b.client.LRange(ctx, historyKey(channel), -int64(limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var msg domain.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			b.logger.Warnw("skipping malformed history entry",
				"channel", channel,
				"error", err,
			)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *Backbone) EnterPresence(ctx context.Context, channel string, member domain.PresenceMember, action domain.PresenceAction) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	added, err := b.client.HSet(ctx, presenceKey(channel), member.Identity.ID, data).Result()
	if err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}

	action = domain.PresenceUpdate
	if added > 0 {
		action = domain.PresenceEnter
	}
	return b.publishPresence(ctx, channel, action, member)
}

func (b *Backbone) LeavePresence(ctx context.Context, channel string, member domain.PresenceMember) error {
	key := presenceKey(channel)
	raw, err := b.client.HGet(ctx, key, member.Identity.ID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read presence: %w", err)
	}

	removed, err := b.client.HDel(ctx, key, member.Identity.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	if removed == 0 {
		// another gateway got there first and already announced it
		return nil
	}

	var existing domain.PresenceMember
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		existing = member
	}
	return b.publishPresence(ctx, channel, domain.PresenceLeave, existing)
}

func (b *Backbone) publishPresence(ctx context.Context, channel string, action domain.PresenceAction, member domain.PresenceMember) error {
	event, err := json.Marshal(ports.BackboneEvent{Presence: &domain.PresenceEvent{
		Channel:   channel,
		Action:    action,
		Member:    member,
		Timestamp: time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, busChannel, event).Err(); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	return nil
}

func (b *Backbone) Members(ctx context.Context, channel string) ([]domain.PresenceMember, error) {
	raw, err := b.client.HGetAll(ctx, presenceKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	out := make([]domain.PresenceMember, 0, len(raw))
	for id, item := range raw {
		var m domain.PresenceMember
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			b.logger.Warnw("skipping malformed presence entry",
				"channel", channel,
				"client_id", id,
				"error", err,
			)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out, nil
}

func (b *Backbone) Subscribe(ctx context.Context, fn func(ports.BackboneEvent)) error {
	pubsub := b.client.Subscribe(ctx, busChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ports.BackboneEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warnw("failed to unmarshal event",
						"error", err,
						"payload", msg.Payload,
					)
					continue
				}
				fn(event)
			}
		}
	}()
	return nil
}

func (b *Backbone) Close() error {
	return b.client.Close()
}

// Ping reports whether Redis answers
func (b *Backbone) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
