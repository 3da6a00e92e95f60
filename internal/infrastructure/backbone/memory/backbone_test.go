package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
)

type recorder struct {
	mu     sync.Mutex
	events []ports.BackboneEvent
}

func (r *recorder) add(ev ports.BackboneEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []ports.BackboneEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.BackboneEvent(nil), r.events...)
}

func member(id string) domain.PresenceMember {
	return domain.PresenceMember{Identity: domain.ClientIdentity{ID: id, Label: id + "@example.com"}}
}

func TestPublishFansOutInOrderAndRetains(t *testing.T) {
	b := NewBackbone(3)
	defer b.Close()

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Subscribe(ctx, rec.add))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, &domain.Message{ID: fmt.Sprintf("m%d", i), Channel: "c"}))
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	for i, ev := range rec.snapshot() {
		require.NotNil(t, ev.Message)
		assert.Equal(t, fmt.Sprintf("m%d", i), ev.Message.ID)
	}

	history, err := b.History(ctx, "c", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].ID)
	assert.Equal(t, "m4", history[2].ID)

	empty, err := b.History(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPresenceActionsAreNormalised(t *testing.T) {
	b := NewBackbone(10)
	defer b.Close()

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Subscribe(ctx, rec.add))

	withData := member("alice")
	withData.Data = []byte(`{"x":1}`)

	require.NoError(t, b.EnterPresence(ctx, "world", member("alice"), domain.PresenceEnter))
	require.NoError(t, b.EnterPresence(ctx, "world", withData, domain.PresenceEnter))
	require.NoError(t, b.EnterPresence(ctx, "world", member("bob"), domain.PresenceUpdate))
	require.NoError(t, b.LeavePresence(ctx, "world", domain.PresenceMember{Identity: domain.ClientIdentity{ID: "alice"}}))
	require.NoError(t, b.LeavePresence(ctx, "world", member("carol")))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 4 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	assert.Equal(t, domain.PresenceEnter, events[0].Presence.Action)
	assert.Equal(t, domain.PresenceUpdate, events[1].Presence.Action)
	assert.Equal(t, domain.PresenceEnter, events[2].Presence.Action)
	assert.Equal(t, domain.PresenceLeave, events[3].Presence.Action)
	assert.Equal(t, "alice@example.com", events[3].Presence.Member.Identity.Label)
	assert.JSONEq(t, `{"x":1}`, string(events[3].Presence.Member.Data))

	members, err := b.Members(ctx, "world")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].Identity.ID)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := NewBackbone(10)
	defer b.Close()

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Subscribe(ctx, rec.add))
	cancel()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subscribers) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(context.Background(), &domain.Message{ID: "late", Channel: "c"}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestClosedBackboneRejectsWrites(t *testing.T) {
	b := NewBackbone(10)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), &domain.Message{Channel: "c"}), domain.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), func(ports.BackboneEvent) {}), domain.ErrClosed)
}
