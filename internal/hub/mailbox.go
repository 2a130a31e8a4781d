package hub

import (
	"errors"
	"sync"
)

// DefaultMailboxSize is the number of frames a mailbox buffers before a
// client is considered too slow and dropped.
const DefaultMailboxSize = 256

var (
	// ErrMailboxClosed is returned when sending to a mailbox after Close.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrMailboxFull is returned when the mailbox buffer is exhausted.
	ErrMailboxFull = errors.New("mailbox full")
)

// Mailbox is the outbound frame queue of one connection.
// It has a single reader (the connection's write pump) and preserves
// enqueue order.
type Mailbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewMailbox creates a mailbox buffering up to size frames.
func NewMailbox(size int) *Mailbox {
	if size < 1 {
		size = DefaultMailboxSize
	}
	return &Mailbox{ch: make(chan []byte, size)}
}

// Send enqueues msg without blocking.
func (m *Mailbox) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMailboxClosed
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Messages returns the channel the write pump reads from.
// It is closed once the mailbox is closed and drained.
func (m *Mailbox) Messages() <-chan []byte {
	return m.ch
}

// Close stops further sends. Safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
