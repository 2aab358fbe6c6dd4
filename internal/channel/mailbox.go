package channel

import "sync"

// mailbox delivers the pushed messages to its handler in order, on its own
// goroutine, without ever blocking the sender.
type mailbox[T any] struct {
	mu      sync.Mutex
	pending []T
	signal  chan struct{}
	handle  func(T)
}

func newMailbox[T any](handle func(T)) *mailbox[T] {
	return &mailbox[T]{
		signal: make(chan struct{}, 1),
		handle: handle,
	}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.pending = append(m.pending, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// run drains the mailbox until stop is closed, then delivers what is left.
func (m *mailbox[T]) run(stop <-chan struct{}) {
	for {
		m.drain()
		select {
		case <-m.signal:
		case <-stop:
			m.drain()
			return
		}
	}
}

func (m *mailbox[T]) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, v := range batch {
			m.handle(v)
		}
	}
}
