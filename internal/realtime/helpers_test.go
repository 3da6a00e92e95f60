package realtime

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
	"github.com/tumkoussekya/studio-sub000/internal/core/ports"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/cipher"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/transport/memory"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testCipher(t *testing.T, fill byte) *cipher.Cipher {
	t.Helper()
	c, err := cipher.New(bytes.Repeat([]byte{fill}, cipher.KeySize))
	require.NoError(t, err)
	return c
}

func newTestClient(t *testing.T, tr ports.Transport) *Client {
	t.Helper()
	c := NewClient(tr, NewChannelPolicy(DefaultPlaintextChannels, 10), zap.NewNop().Sugar())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connectedClient returns a connected client on hub sharing key fill 1
func connectedClient(t *testing.T, hub *memory.Hub, id string, opts ...memory.Option) (*Client, *memory.Transport) {
	t.Helper()
	opts = append([]memory.Option{memory.WithCipher(testCipher(t, 1))}, opts...)
	tr := hub.NewTransport(domain.ClientIdentity{ID: id, Label: id + "@example.com"}, opts...)
	c := newTestClient(t, tr)
	require.NoError(t, c.Connect(context.Background()))
	return c, tr
}

// recorder collects values from handler goroutines
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// instrumentedTransport counts calls into the wrapped transport and can hold
// Connect or History until released.
type instrumentedTransport struct {
	*memory.Transport

	connects    atomic.Int32
	connectGate chan struct{}

	historyGate    chan struct{}
	historyStarted chan struct{}

	mu         sync.Mutex
	subscribes map[string]int
}

func newInstrumented(inner *memory.Transport) *instrumentedTransport {
	return &instrumentedTransport{Transport: inner, subscribes: make(map[string]int)}
}

func (i *instrumentedTransport) Connect(ctx context.Context) (*domain.Session, error) {
	i.connects.Add(1)
	if i.connectGate != nil {
		<-i.connectGate
	}
	return i.Transport.Connect(ctx)
}

func (i *instrumentedTransport) Channel(cfg domain.ChannelConfig) (ports.ChannelHandle, error) {
	h, err := i.Transport.Channel(cfg)
	if err != nil {
		return nil, err
	}
	return &instrumentedHandle{ChannelHandle: h, parent: i}, nil
}

func (i *instrumentedTransport) subscribeCount(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.subscribes[name]
}

type instrumentedHandle struct {
	ports.ChannelHandle
	parent *instrumentedTransport
}

func (h *instrumentedHandle) Subscribe(ctx context.Context, fn func(ports.Delivery)) error {
	h.parent.mu.Lock()
	h.parent.subscribes[h.Name()]++
	h.parent.mu.Unlock()
	return h.ChannelHandle.Subscribe(ctx, fn)
}

func (h *instrumentedHandle) History(ctx context.Context, limit int) ([]ports.Delivery, error) {
	if h.parent.historyGate != nil {
		if h.parent.historyStarted != nil {
			close(h.parent.historyStarted)
		}
		<-h.parent.historyGate
	}
	return h.ChannelHandle.History(ctx, limit)
}
