package realtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/internal/core/domain"
)

func TestRouterDispatchOrderAcrossScopes(t *testing.T) {
	r := NewRouter(zap.NewNop().Sugar())
	var calls []string

	r.Subscribe(AllMessages(), func(domain.Message) error { calls = append(calls, "all"); return nil })
	r.Subscribe(Specific("room", "message"), func(domain.Message) error { calls = append(calls, "specific-1"); return nil })
	r.Subscribe(AnyChannel("message"), func(domain.Message) error { calls = append(calls, "any"); return nil })
	r.Subscribe(Specific("room", "message"), func(domain.Message) error { calls = append(calls, "specific-2"); return nil })
	r.Subscribe(Specific("other", "message"), func(domain.Message) error { calls = append(calls, "other"); return nil })
	r.Subscribe(Specific("room", "draw"), func(domain.Message) error { calls = append(calls, "draw"); return nil })

	n := r.Dispatch(domain.Message{Channel: "room", Name: "message"})

	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"all", "specific-1", "any", "specific-2"}, calls)
}

func TestRouterIsolatesFailingHandlers(t *testing.T) {
	r := NewRouter(zap.NewNop().Sugar())
	var calls []string

	r.Subscribe(Specific("c", "e"), func(domain.Message) error { return errors.New("boom") })
	r.Subscribe(Specific("c", "e"), func(domain.Message) error { panic("kaboom") })
	r.Subscribe(Specific("c", "e"), func(domain.Message) error { calls = append(calls, "survivor"); return nil })

	assert.NotPanics(t, func() { r.Dispatch(domain.Message{Channel: "c", Name: "e"}) })
	assert.Equal(t, []string{"survivor"}, calls)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(zap.NewNop().Sugar())
	count := 0

	sub := r.Subscribe(AnyChannel("e"), func(domain.Message) error { count++; return nil })
	r.Dispatch(domain.Message{Channel: "a", Name: "e"})
	sub.Unsubscribe()
	sub.Unsubscribe()
	r.Dispatch(domain.Message{Channel: "b", Name: "e"})

	assert.Equal(t, 1, count)
}

func TestRouterHistoryAndErrors(t *testing.T) {
	r := NewRouter(zap.NewNop().Sugar())

	var replayed []string
	r.SubscribeHistory("c", func(channel string, msgs []domain.Message) error {
		for _, m := range msgs {
			replayed = append(replayed, m.ID)
		}
		return nil
	})
	r.Subscribe(Specific("c", "e"), func(domain.Message) error {
		t.Fatal("history must not reach live handlers")
		return nil
	})

	n := r.DispatchHistory("c", []domain.Message{{ID: "1"}, {ID: "2"}})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"1", "2"}, replayed)
	assert.Equal(t, 0, r.DispatchHistory("other", nil))

	var got []error
	stop := r.OnError(func(err error) { got = append(got, err) })
	r.DispatchError(domain.ErrDecryption)
	stop()
	r.DispatchError(domain.ErrDecryption)
	assert.Len(t, got, 1)
}

func TestScopeString(t *testing.T) {
	assert.Equal(t, "specific(a,b)", Specific("a", "b").String())
	assert.Equal(t, "any-channel(b)", AnyChannel("b").String())
	assert.Equal(t, "all-messages", AllMessages().String())
	assert.Equal(t, "history(a)", History("a").String())
}
