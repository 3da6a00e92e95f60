// Package transport holds pieces shared by the client transports.
package transport

import "sync"

// Mailbox runs queued callbacks one at a time on a single goroutine in push
// order. Callbacks may push more work without deadlocking.
type Mailbox struct {
	mu      sync.Mutex
	items   []func()
	signal  chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Push queues fn. It is dropped once the mailbox is stopped.
func (m *Mailbox) Push(fn func()) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.items = append(m.items, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Stop discards pending work and ends the goroutine
func (m *Mailbox) Stop() {
	m.once.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.items = nil
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if len(m.items) == 0 || m.stopped {
				m.mu.Unlock()
				break
			}
			fn := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()

			fn()
		}
	}
}
