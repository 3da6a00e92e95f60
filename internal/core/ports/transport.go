package ports

import (
	"context"
	"encoding/json"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

type ConnectionState string

const (
	StateInitialized  ConnectionState = "initialized"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Transport is the client side of a hosted pub/sub service.
type Transport interface {
	// Connect blocks until the transport is connected and an identity has
	// been assigned.
	Connect(ctx context.Context) (*domain.Session, error)
	// Channel returns the handle for cfg.Name. Encryption is fixed by cfg on
	// the first call for a name.
	Channel(cfg domain.ChannelConfig) (ChannelHandle, error)
	// OnStateChange registers fn for connection state transitions. fn may run
	// on the transport's reader goroutine and must not block on the transport.
	OnStateChange(fn func(ConnectionState))
	Close() error
}

// Delivery is one inbound item of a channel subscription. Exactly one of
// Message or Err is set; Err is a *domain.DecryptionError when the payload
// could not be opened.
type Delivery struct {
	Message domain.Message
	Err     error
}

type ChannelHandle interface {
	Name() string
	// Subscribe attaches the channel. fn is called from a single goroutine in
	// receive order.
	Subscribe(ctx context.Context, fn func(Delivery)) error
	// Publish sends without waiting for delivery.
	Publish(ctx context.Context, name string, data json.RawMessage) error
	// History returns up to limit retained messages, oldest first. Items
	// that could not be decrypted carry Err like live deliveries do.
	History(ctx context.Context, limit int) ([]Delivery, error)
	Presence() PresenceHandle
	Detach(ctx context.Context) error
}

type PresenceHandle interface {
	Enter(ctx context.Context, data json.RawMessage) error
	Update(ctx context.Context, data json.RawMessage) error
	Leave(ctx context.Context) error
	Members(ctx context.Context) ([]domain.PresenceMember, error)
	Subscribe(fn func(domain.PresenceEvent)) (unsubscribe func())
}
