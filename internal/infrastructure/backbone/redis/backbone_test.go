package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
)

// newTestBackbone needs a reachable Redis given by STUDIO_TEST_REDIS_ADDR
func newTestBackbone(t *testing.T, retained int) *Backbone {
	t.Helper()
	addr := os.Getenv("STUDIO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STUDIO_TEST_REDIS_ADDR not set")
	}

	client, err := NewClient(addr, "", 0, 4, zap.NewNop().Sugar())
	require.NoError(t, err)
	b := NewBackbone(client, retained, zap.NewNop().Sugar())
	t.Cleanup(func() { b.Close() })
	return b
}

func uniqueChannel(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "studio:history:dm:a:b", historyKey("dm:a:b"))
	assert.Equal(t, "studio:presence:world-presence", presenceKey("world-presence"))
}

func TestHistoryIsCapped(t *testing.T) {
	b := newTestBackbone(t, 3)
	ctx := context.Background()
	channel := uniqueChannel("history")
	t.Cleanup(func() { b.client.Del(ctx, historyKey(channel)) })

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, &domain.Message{ID: fmt.Sprintf("m%d", i), Channel: channel}))
	}

	history, err := b.History(ctx, channel, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].ID)
	assert.Equal(t, "m4", history[2].ID)

	last, err := b.History(ctx, channel, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "m4", last[0].ID)
}

func TestEventsReachSubscribers(t *testing.T) {
	b := newTestBackbone(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	channel := uniqueChannel("presence")
	t.Cleanup(func() {
		b.client.Del(context.Background(), historyKey(channel), presenceKey(channel))
	})

	var mu sync.Mutex
	var events []ports.BackboneEvent
	require.NoError(t, b.Subscribe(ctx, func(ev ports.BackboneEvent) {
		if ev.Presence != nil && ev.Presence.Channel != channel {
			return
		}
		if ev.Message != nil && ev.Message.Channel != channel {
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	alice := domain.PresenceMember{Identity: domain.ClientIdentity{ID: "alice", Label: "alice@example.com"}}
	require.NoError(t, b.EnterPresence(ctx, channel, alice, domain.PresenceEnter))
	require.NoError(t, b.EnterPresence(ctx, channel, alice, domain.PresenceEnter))
	require.NoError(t, b.Publish(ctx, &domain.Message{ID: "m1", Channel: channel}))
	require.NoError(t, b.LeavePresence(ctx, channel, domain.PresenceMember{Identity: domain.ClientIdentity{ID: "alice"}}))
	require.NoError(t, b.LeavePresence(ctx, channel, alice))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.PresenceEnter, events[0].Presence.Action)
	assert.Equal(t, domain.PresenceUpdate, events[1].Presence.Action)
	assert.Equal(t, "m1", events[2].Message.ID)
	assert.Equal(t, domain.PresenceLeave, events[3].Presence.Action)
	assert.Equal(t, "alice@example.com", events[3].Presence.Member.Identity.Label)

	members, err := b.Members(ctx, channel)
	require.NoError(t, err)
	assert.Empty(t, members)
}
