package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailboxRunsInOrder(t *testing.T) {
	m := NewMailbox()
	defer m.Stop()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		m.Push(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxReentrantPush(t *testing.T) {
	m := NewMailbox()
	defer m.Stop()

	done := make(chan struct{})
	m.Push(func() {
		m.Push(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested push never ran")
	}
}

func TestMailboxStopDropsWork(t *testing.T) {
	m := NewMailbox()
	m.Stop()
	m.Stop()

	ran := make(chan struct{}, 1)
	m.Push(func() { ran <- struct{}{} })

	select {
	case <-ran:
		t.Fatal("work ran after Stop")
	case <-time.After(20 * time.Millisecond):
	}
}
