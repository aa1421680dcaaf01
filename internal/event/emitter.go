// Package event provides a typed observer registry. Each Emitter carries one
// notification kind with a fixed payload type.
package event

import "sync"

// Emitter dispatches payloads of type T to its subscribers, synchronously and
// in subscription order.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a func that removes it again. Calling
// the returned func more than once is harmless.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Fire calls every subscriber with v. Subscribers added or removed during
// Fire take effect on the next call.
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}
