// Package wire is the JSON frame format spoken between the realtime gateway
// and its WebSocket clients.
package wire

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	apperrors "github.com/tumkoussekya/studio-sub000/pkg/errors"
)

type Action string

const (
	// client to gateway
	ActionAttach          Action = "attach"
	ActionDetach          Action = "detach"
	ActionPublish         Action = "publish"
	ActionHistory         Action = "history"
	ActionPresenceEnter   Action = "presence.enter"
	ActionPresenceUpdate  Action = "presence.update"
	ActionPresenceLeave   Action = "presence.leave"
	ActionPresenceGet     Action = "presence.get"
	ActionPresenceWatch   Action = "presence.watch"
	ActionPresenceUnwatch Action = "presence.unwatch"

	// gateway to client
	ActionConnected Action = "connected"
	ActionMessage   Action = "message"
	ActionPresence  Action = "presence"
	ActionAck       Action = "ack"
)

// CloseTokenExpired is the WebSocket close code sent when the transport token
// of a socket runs out. Clients reconnect with a fresh token.
const CloseTokenExpired = 4001

// Frame is one WebSocket text message. Requests carrying a non-zero Ref are
// answered by an ack frame with the same Ref.
type Frame struct {
	Action   Action          `json:"action"`
	Ref      uint64          `json:"ref,omitempty"`
	Channel  string          `json:"channel,omitempty"`
	Name     string          `json:"name,omitempty"`
	ID       string          `json:"id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Limit    int             `json:"limit,omitempty"`

	Message  *domain.Message         `json:"message,omitempty"`
	Messages []domain.Message        `json:"messages,omitempty"`
	Presence *domain.PresenceEvent   `json:"presence,omitempty"`
	Members  []domain.PresenceMember `json:"members,omitempty"`
	Session  *Session                `json:"session,omitempty"`
	Error    *Error                  `json:"error,omitempty"`
}

type Session struct {
	ClientID   string            `json:"client_id"`
	Label      string            `json:"label"`
	Capability domain.Capability `json:"capability"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

func SessionFrom(s *domain.Session) *Session {
	return &Session{
		ClientID:   s.Identity.ID,
		Label:      s.Identity.Label,
		Capability: s.Capability,
		ExpiresAt:  s.ExpiresAt,
	}
}

func (s *Session) Domain() *domain.Session {
	return &domain.Session{
		Identity:   domain.ClientIdentity{ID: s.ClientID, Label: s.Label},
		Capability: s.Capability,
		ExpiresAt:  s.ExpiresAt,
	}
}

type Error struct {
	Code      apperrors.ErrorCode `json:"code"`
	Message   string              `json:"message"`
	Channel   string              `json:"channel,omitempty"`
	Operation domain.Operation    `json:"operation,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorFrom converts a gateway side failure into its wire form
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	out := &Error{}
	var capErr *domain.CapabilityError
	if stderrors.As(err, &capErr) {
		out.Channel = capErr.Channel
		out.Operation = capErr.Operation
	}
	appErr := apperrors.FromDomain(err)
	out.Code = appErr.Code
	out.Message = appErr.Message
	return out
}

// Err turns a received error back into the domain error it stands for
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case apperrors.ErrCodeCapabilityDenied:
		return &domain.CapabilityError{Channel: e.Channel, Operation: e.Operation}
	case apperrors.ErrCodeInvalidInput:
		return fmt.Errorf("%w: %s", domain.ErrInvalidChannel, e.Message)
	case apperrors.ErrCodeNotConnected:
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, e.Message)
	default:
		return e
	}
}

func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Action == "" {
		return nil, fmt.Errorf("decode frame: missing action")
	}
	return &f, nil
}

// Ack answers req with err, or success when err is nil
func Ack(req *Frame, err error) *Frame {
	return &Frame{Action: ActionAck, Ref: req.Ref, Channel: req.Channel, Error: ErrorFrom(err)}
}
