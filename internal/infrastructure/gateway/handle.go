package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/wire"
	apperrors "github.com/tumkoussekya/studio-sub000/pkg/errors"
	"github.com/tumkoussekya/studio-sub000/pkg/tracing"
	"github.com/tumkoussekya/studio-sub000/pkg/validation"
)

func invalidFrame(message string) error {
	return apperrors.NewInvalidInputError(message)
}

// operationFor is the capability an action needs. Detach and unwatch need
// none since they only give something up.
var operationFor = map[wire.Action]domain.Operation{
	wire.ActionAttach:         domain.OpSubscribe,
	wire.ActionPublish:        domain.OpPublish,
	wire.ActionHistory:        domain.OpHistory,
	wire.ActionPresenceEnter:  domain.OpPresence,
	wire.ActionPresenceUpdate: domain.OpPresence,
	wire.ActionPresenceLeave:  domain.OpPresence,
	wire.ActionPresenceGet:    domain.OpPresence,
	wire.ActionPresenceWatch:  domain.OpPresence,
}

// handleFrame runs on the reader goroutine of c, so frames of one socket are
// applied in the order they were sent
func (s *Server) handleFrame(ctx context.Context, c *conn, f *wire.Frame) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, string(f.Action), c.session.Identity.ID, f.Channel)
	defer span.End()
	defer tracing.MeasureDuration(ctx, time.Now(), string(f.Action))

	reply, err := s.apply(ctx, c, f)
	if err != nil {
		tracing.RecordError(ctx, err)
		code := string(apperrors.FromDomain(err).Code)
		s.metrics.FrameRejected(code)
		s.logger.Debugw("frame rejected",
			"client_id", c.session.Identity.ID,
			"action", f.Action,
			"channel", f.Channel,
			"error", err,
		)
		c.sendFrame(wire.Ack(f, err))
		return
	}
	tracing.SetSpanStatus(ctx, codes.Ok, "")

	// fire-and-forget requests get no ack when they succeed
	if f.Ref == 0 {
		return
	}
	if reply == nil {
		reply = wire.Ack(f, nil)
	}
	c.sendFrame(reply)
}

func (s *Server) apply(ctx context.Context, c *conn, f *wire.Frame) (*wire.Frame, error) {
	if err := validation.ValidateChannelName(f.Channel); err != nil {
		return nil, err
	}
	if op, ok := operationFor[f.Action]; ok && !c.session.Capability.Allows(f.Channel, op) {
		return nil, &domain.CapabilityError{Channel: f.Channel, Operation: op}
	}

	switch f.Action {
	case wire.ActionAttach:
		c.mu.Lock()
		c.attached[f.Channel] = true
		c.mu.Unlock()
		return nil, nil

	case wire.ActionDetach:
		c.mu.Lock()
		delete(c.attached, f.Channel)
		delete(c.watching, f.Channel)
		c.mu.Unlock()
		return nil, nil

	case wire.ActionPublish:
		return nil, s.publish(ctx, c, f)

	case wire.ActionHistory:
		msgs, err := s.backbone.History(ctx, f.Channel, f.Limit)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		s.metrics.HistoryServed()
		reply := wire.Ack(f, nil)
		reply.Messages = msgs
		return reply, nil

	case wire.ActionPresenceEnter, wire.ActionPresenceUpdate:
		member := domain.PresenceMember{Identity: c.session.Identity, Data: f.Data}
		action := domain.PresenceEnter
		if f.Action == wire.ActionPresenceUpdate {
			action = domain.PresenceUpdate
		}
		if err := s.backbone.EnterPresence(ctx, f.Channel, member, action); err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		c.mu.Lock()
		c.entered[f.Channel] = member
		c.mu.Unlock()
		return nil, nil

	case wire.ActionPresenceLeave:
		c.mu.Lock()
		delete(c.entered, f.Channel)
		c.mu.Unlock()
		member := domain.PresenceMember{Identity: c.session.Identity}
		if err := s.backbone.LeavePresence(ctx, f.Channel, member); err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		return nil, nil

	case wire.ActionPresenceGet:
		members, err := s.backbone.Members(ctx, f.Channel)
		if err != nil {
			return nil, fmt.Errorf("presence: %w", err)
		}
		reply := wire.Ack(f, nil)
		reply.Members = members
		return reply, nil

	case wire.ActionPresenceWatch:
		c.mu.Lock()
		c.watching[f.Channel] = true
		c.mu.Unlock()
		return nil, nil

	case wire.ActionPresenceUnwatch:
		c.mu.Lock()
		delete(c.watching, f.Channel)
		c.mu.Unlock()
		return nil, nil

	default:
		return nil, invalidFrame(fmt.Sprintf("unknown action %q", f.Action))
	}
}

// publish stores and fans out one message. A message id seen before from the
// same client is acknowledged without publishing it again, so a client may
// safely resend after a reconnect.
func (s *Server) publish(ctx context.Context, c *conn, f *wire.Frame) error {
	if err := validation.ValidateEventName(f.Name); err != nil {
		return invalidFrame(err.Error())
	}
	if !c.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}

	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	if seen, _ := s.seen.ContainsOrAdd(c.session.Identity.ID+"/"+id, struct{}{}); seen {
		return nil
	}

	msg := &domain.Message{
		ID:        id,
		Channel:   f.Channel,
		Name:      f.Name,
		ClientID:  c.session.Identity.ID,
		Data:      f.Data,
		Encoding:  f.Encoding,
		Timestamp: time.Now().UTC(),
	}

	bctx, span := tracing.TraceBackboneOperation(ctx, "publish", f.Channel)
	err := s.backbone.Publish(bctx, msg)
	span.End()
	if err != nil {
		s.seen.Remove(c.session.Identity.ID + "/" + id)
		return fmt.Errorf("publish: %w", err)
	}

	s.metrics.MessagePublished()
	return nil
}
