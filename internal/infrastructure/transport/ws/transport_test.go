package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/core/services"
	handlers "github.com/tumkoussekya/studio-sub000/internal/handlers/http"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/backbone/memory"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/gateway"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/middleware"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
	"github.com/tumkoussekya/studio-sub000/pkg/circuitbreaker"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/retry"
)

const waitFor = 2 * time.Second

type stack struct {
	url    string
	tokens ports.TokenService
}

// newStack serves the token endpoint and the gateway from one test server
func newStack(t *testing.T, tokenTTL time.Duration) *stack {
	t.Helper()
	logger := zap.NewNop().Sugar()
	tokens := services.NewTokenService("identity-secret", "token-secret", tokenTTL,
		domain.FullCapability(),
		domain.Capability{"world-presence": domain.AllOperations},
	)
	backbone := memory.NewBackbone(50)

	gw, err := gateway.NewServer(tokens, backbone, gateway.Config{}, logger)
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	handlers.NewTokenHandler(tokens, logger).SetupRoutes(router)
	router.GET("/realtime", gin.WrapF(gw.HandleWebSocket))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		backbone.Close()
	})
	return &stack{url: srv.URL, tokens: tokens}
}

func (s *stack) transport(t *testing.T, credential string, opts ...Option) *Transport {
	t.Helper()
	cfg := Config{
		TokenURL:       s.url + handlers.TokenPath,
		GatewayURL:     "ws" + strings.TrimPrefix(s.url, "http") + "/realtime",
		Credential:     credential,
		RequestTimeout: waitFor,
		Reconnect: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2,
		},
		Breaker: circuitbreaker.DefaultConfig(),
	}
	tr := NewTransport(cfg, zap.NewNop().Sugar(), opts...)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func (s *stack) credential(t *testing.T, id string) string {
	t.Helper()
	raw, err := s.tokens.GenerateIdentityCredential(domain.ClientIdentity{ID: id, Label: id + "@example.com"}, time.Hour)
	require.NoError(t, err)
	return raw
}

func connect(t *testing.T, tr *Transport) *domain.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	session, err := tr.Connect(ctx)
	require.NoError(t, err)
	return session
}

func channel(t *testing.T, tr *Transport, name string) ports.ChannelHandle {
	t.Helper()
	h, err := tr.Channel(domain.ChannelConfig{Name: name})
	require.NoError(t, err)
	return h
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		var zero T
		return zero
	}
}

func TestConnectAssignsIdentity(t *testing.T) {
	s := newStack(t, time.Hour)

	anon := connect(t, s.transport(t, ""))
	assert.True(t, strings.HasPrefix(anon.Identity.ID, "anonymous-"))
	assert.False(t, anon.Capability.Allows("dm:a:b", domain.OpPublish))

	named := connect(t, s.transport(t, s.credential(t, "ada")))
	assert.Equal(t, "ada", named.Identity.ID)
	assert.Equal(t, "ada@example.com", named.Identity.Label)
}

func TestConnectWithBadCredentialFails(t *testing.T) {
	s := newStack(t, time.Hour)
	tr := s.transport(t, "not-a-credential")

	var states []ports.ConnectionState
	var mu sync.Mutex
	tr.OnStateChange(func(st ports.ConnectionState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	_, err := tr.Connect(context.Background())
	require.ErrorIs(t, err, errRejected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ports.ConnectionState{ports.StateConnecting, ports.StateFailed}, states)
}

func TestConnectRejectsInvalidEndpoints(t *testing.T) {
	tr := NewTransport(Config{
		TokenURL:   "http://localhost/token",
		GatewayURL: "ftp://localhost/realtime",
	}, zap.NewNop().Sugar())
	t.Cleanup(func() { tr.Close() })

	_, err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway endpoint")
}

func TestExplicitConnectIsNotThrottledByBreaker(t *testing.T) {
	s := newStack(t, time.Hour)
	tr := s.transport(t, "not-a-credential")
	tr.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	})

	_, err := tr.Connect(context.Background())
	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, circuitbreaker.StateOpen, tr.breaker.GetState())

	_, err = tr.Connect(context.Background())
	require.ErrorIs(t, err, errRejected)
	assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestOperationsRequireConnection(t *testing.T) {
	s := newStack(t, time.Hour)
	tr := s.transport(t, "")
	h := channel(t, tr, "world-presence")

	assert.ErrorIs(t, h.Publish(context.Background(), "position", json.RawMessage(`{}`)), domain.ErrNotConnected)
	_, err := h.History(context.Background(), 10)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestPublishSubscribeAcrossClients(t *testing.T) {
	s := newStack(t, time.Hour)
	alice := s.transport(t, s.credential(t, "alice"))
	bob := s.transport(t, s.credential(t, "bob"))
	connect(t, alice)
	connect(t, bob)

	got := make(chan ports.Delivery, 4)
	require.NoError(t, channel(t, bob, "room").Subscribe(context.Background(), func(d ports.Delivery) {
		got <- d
	}))

	require.NoError(t, channel(t, alice, "room").Publish(context.Background(), "chat", json.RawMessage(`{"text":"hi"}`)))

	d := receive(t, got)
	require.NoError(t, d.Err)
	assert.Equal(t, "chat", d.Message.Name)
	assert.Equal(t, "alice", d.Message.ClientID)
	assert.JSONEq(t, `{"text":"hi"}`, string(d.Message.Data))

	history, err := channel(t, bob, "room").History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, d.Message.ID, history[0].Message.ID)
}

func TestCapabilityIsCheckedBeforeSending(t *testing.T) {
	s := newStack(t, time.Hour)
	tr := s.transport(t, "")
	connect(t, tr)

	err := channel(t, tr, "dm:alice:bob").Publish(context.Background(), "chat", json.RawMessage(`{}`))
	var capErr *domain.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, domain.OpPublish, capErr.Operation)

	err = channel(t, tr, "dm:alice:bob").Subscribe(context.Background(), func(ports.Delivery) {})
	assert.ErrorIs(t, err, domain.ErrCapabilityDenied)
}

func TestEncryptedChannel(t *testing.T) {
	s := newStack(t, time.Hour)
	c, err := cipher.New([]byte(strings.Repeat("k", cipher.KeySize)))
	require.NoError(t, err)

	alice := s.transport(t, s.credential(t, "alice"), WithCipher(c))
	bob := s.transport(t, s.credential(t, "bob"), WithCipher(c))
	eve := s.transport(t, s.credential(t, "eve"))
	connect(t, alice)
	connect(t, bob)
	connect(t, eve)

	cfg := domain.ChannelConfig{Name: "dm:alice:bob", Encrypted: true}
	bobGot := make(chan ports.Delivery, 1)
	eveGot := make(chan ports.Delivery, 1)

	bh, err := bob.Channel(cfg)
	require.NoError(t, err)
	require.NoError(t, bh.Subscribe(context.Background(), func(d ports.Delivery) { bobGot <- d }))
	eh, err := eve.Channel(cfg)
	require.NoError(t, err)
	require.NoError(t, eh.Subscribe(context.Background(), func(d ports.Delivery) { eveGot <- d }))

	ah, err := alice.Channel(cfg)
	require.NoError(t, err)
	require.NoError(t, ah.Publish(context.Background(), "chat", json.RawMessage(`{"text":"secret"}`)))

	d := receive(t, bobGot)
	require.NoError(t, d.Err)
	assert.JSONEq(t, `{"text":"secret"}`, string(d.Message.Data))

	d = receive(t, eveGot)
	assert.ErrorIs(t, d.Err, domain.ErrDecryption)
}

func TestPresenceWatchAndMembers(t *testing.T) {
	s := newStack(t, time.Hour)
	alice := s.transport(t, s.credential(t, "alice"))
	bob := s.transport(t, s.credential(t, "bob"))
	connect(t, alice)
	connect(t, bob)

	events := make(chan domain.PresenceEvent, 4)
	unsubscribe := channel(t, bob, "world-presence").Presence().Subscribe(func(ev domain.PresenceEvent) {
		events <- ev
	})

	ap := channel(t, alice, "world-presence").Presence()
	require.NoError(t, ap.Enter(context.Background(), json.RawMessage(`{"x":1}`)))

	ev := receive(t, events)
	assert.Equal(t, domain.PresenceEnter, ev.Action)
	assert.Equal(t, "alice", ev.Member.Identity.ID)

	members, err := channel(t, bob, "world-presence").Presence().Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].Identity.ID)

	unsubscribe()
	require.NoError(t, ap.Leave(context.Background()))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectsAfterTokenExpiry(t *testing.T) {
	s := newStack(t, 2*time.Second)
	tr := s.transport(t, s.credential(t, "alice"))

	states := make(chan ports.ConnectionState, 16)
	tr.OnStateChange(func(st ports.ConnectionState) { states <- st })
	connect(t, tr)

	got := make(chan ports.Delivery, 4)
	h := channel(t, tr, "room")
	require.NoError(t, h.Subscribe(context.Background(), func(d ports.Delivery) { got <- d }))

	deadline := time.After(5 * time.Second)
	sawDisconnect := false
	for reconnected := false; !reconnected; {
		select {
		case st := <-states:
			switch st {
			case ports.StateDisconnected:
				sawDisconnect = true
			case ports.StateConnected:
				reconnected = sawDisconnect
			}
		case <-deadline:
			t.Fatal("transport did not reconnect")
		}
	}

	// the subscription was re-attached on the new socket
	require.NoError(t, h.Publish(context.Background(), "ping", json.RawMessage(`{}`)))
	d := receive(t, got)
	require.NoError(t, d.Err)
	assert.Equal(t, "ping", d.Message.Name)
}

func TestCloseIsFinal(t *testing.T) {
	s := newStack(t, time.Hour)
	tr := s.transport(t, "")
	connect(t, tr)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = tr.Channel(domain.ChannelConfig{Name: "room"})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Client.Credential = "secret"

	got := ConfigFrom(cfg)
	assert.Equal(t, cfg.Client.TokenURL, got.TokenURL)
	assert.Equal(t, cfg.Client.GatewayURL, got.GatewayURL)
	assert.Equal(t, "secret", got.Credential)
	assert.Equal(t, cfg.Client.Reconnect.MaxAttempts, got.Reconnect.MaxAttempts)
	assert.Equal(t, cfg.Client.Reconnect.MaxDelay, got.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, got.Reconnect.Multiplier)
}
