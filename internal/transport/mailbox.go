package transport

import "sync"

// mailbox is an unbounded FIFO of received slots.
type mailbox struct {
	mu     sync.Mutex
	items  []Slot
	ready  chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) put(s Slot) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.items = append(m.items, s)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return nil
}

func (m *mailbox) take(dst *Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		if m.closed {
			return false, ErrClosed
		}
		return false, nil
	}
	*dst = m.items[0]
	m.items[0] = Slot{}
	m.items = m.items[1:]
	return true, nil
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
