package transport

import "sync"

// Outbox is a bounded send queue for one relay session. Messages are never
// skipped: when the queue is full the outbox overflows once, and the
// session is expected to close so its client reconnects with fresh state.
type Outbox struct {
	ch         chan Message
	once       sync.Once
	onOverflow func()
}

// NewOutbox creates an outbox holding up to size messages. onOverflow runs
// at most once, on the first message that does not fit.
func NewOutbox(size int, onOverflow func()) *Outbox {
	return &Outbox{ch: make(chan Message, size), onOverflow: onOverflow}
}

// Push queues m without blocking and reports whether it was queued.
func (o *Outbox) Push(m Message) bool {
	select {
	case o.ch <- m:
		return true
	default:
		o.once.Do(o.onOverflow)
		return false
	}
}

// Messages returns the receive side of the queue.
func (o *Outbox) Messages() <-chan Message {
	return o.ch
}
