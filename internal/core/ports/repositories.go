package ports

import (
	"context"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

// BackboneEvent is fanned out to every gateway instance. Exactly one field
// is set.
type BackboneEvent struct {
	Message  *domain.Message       `json:"message,omitempty"`
	Presence *domain.PresenceEvent `json:"presence,omitempty"`
}

// Backbone stores retained history and presence for the gateway and fans
// events out to every gateway instance, including the publishing one.
type Backbone interface {
	Publish(ctx context.Context, msg *domain.Message) error
	History(ctx context.Context, channel string, limit int) ([]domain.Message, error)
	EnterPresence(ctx context.Context, channel string, member domain.PresenceMember, action domain.PresenceAction) error
	LeavePresence(ctx context.Context, channel string, member domain.PresenceMember) error
	Members(ctx context.Context, channel string) ([]domain.PresenceMember, error)
	// Subscribe returns once the subscription is active. fn is then called
	// for every event, one at a time, until ctx is done.
	Subscribe(ctx context.Context, fn func(BackboneEvent)) error
	Close() error
}
