// Package memory implements an in-process pub/sub bus. Delivery is
// synchronous on the publisher's goroutine.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"liveresults/internal/transport"
)

// Bus routes messages between endpoints.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

type subscription struct {
	owner   *Endpoint
	pattern string
	h       transport.Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Endpoint returns a new transport attached to the bus.
func (b *Bus) Endpoint() *Endpoint {
	return &Endpoint{bus: b}
}

// Publish delivers payload on channel to every matching subscriber of a
// connected endpoint.
func (b *Bus) Publish(channel string, payload any) error {
	msg, err := encode(channel, payload)
	if err != nil {
		return err
	}
	b.deliver(msg)
	return nil
}

func (b *Bus) deliver(msg transport.Message) {
	b.mu.RLock()
	var targets []transport.Handler
	for _, s := range b.subs {
		if s.owner.Connected() && transport.Match(s.pattern, msg.Channel) {
			targets = append(targets, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(msg)
	}
}

func encode(channel string, payload any) (transport.Message, error) {
	data, err := transport.Encode(payload)
	if err != nil {
		return transport.Message{}, fmt.Errorf("%s: %w", channel, err)
	}
	return transport.Message{Channel: channel, Data: data}, nil
}

// Endpoint is a transport.Transport attached to a Bus.
type Endpoint struct {
	bus *Bus

	mu        sync.Mutex
	connected bool
	listeners []func(bool)
	batching  bool
	pending   []transport.Message
}

var _ transport.Transport = (*Endpoint)(nil)

// Connect marks the endpoint connected and notifies listeners.
func (e *Endpoint) Connect(_ context.Context) error {
	e.setConnected(true)
	return nil
}

// Disconnect marks the endpoint disconnected and notifies listeners.
func (e *Endpoint) Disconnect() error {
	e.setConnected(false)
	return nil
}

// Drop simulates a failed connection check: listeners are told the
// connection is unsuccessful.
func (e *Endpoint) Drop() {
	e.setConnected(false)
}

// Connected reports the endpoint's connection state.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Endpoint) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

// OnConnectionStatus registers a connection listener.
func (e *Endpoint) OnConnectionStatus(fn func(bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Subscribe registers h on the bus.
func (e *Endpoint) Subscribe(pattern string, h transport.Handler) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	e.bus.subs = append(e.bus.subs, subscription{owner: e, pattern: pattern, h: h})
	return nil
}

// Publish delivers payload to matching subscribers, or queues it while a
// Batch is running.
func (e *Endpoint) Publish(channel string, payload any) error {
	if !e.Connected() {
		return transport.ErrNotConnected
	}
	msg, err := encode(channel, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.batching {
		e.pending = append(e.pending, msg)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	e.bus.deliver(msg)
	return nil
}

// Batch queues publishes made by fn and delivers them in order afterwards.
func (e *Endpoint) Batch(fn func() error) error {
	e.mu.Lock()
	e.batching = true
	e.mu.Unlock()

	err := fn()

	e.mu.Lock()
	e.batching = false
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, msg := range pending {
		e.bus.deliver(msg)
	}
	return err
}
