// Package transport defines the pub/sub channel abstraction the live results
// client runs on, plus channel pattern matching shared by the adapters.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotConnected is returned by Publish and Subscribe on adapters that need
// a live connection to do either.
var ErrNotConnected = errors.New("transport: not connected")

// Message is a single delivery on a channel.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Encode renders a publish payload as JSON. Raw messages pass through
// untouched and a nil payload encodes as no data.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// Handler receives messages for a subscription.
type Handler func(Message)

// Transport is a pub/sub channel with connection lifecycle events.
//
// Channels are slash-separated paths ("/updates/control/start"). Subscribe
// patterns may use "*" for exactly one segment and "**" for any number of
// trailing segments.
type Transport interface {
	// Connect starts the connection handshake. Connection outcome is
	// reported through the OnConnectionStatus listeners.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// OnConnectionStatus registers a listener for connect/disconnect
	// notifications.
	OnConnectionStatus(fn func(successful bool))

	// Subscribe registers h for every channel matching pattern.
	Subscribe(pattern string, h Handler) error

	// Publish sends payload, JSON-encoded, on channel.
	Publish(channel string, payload any) error

	// Batch runs fn with outgoing traffic grouped into one unit where the
	// adapter supports it.
	Batch(fn func() error) error
}

// Match reports whether channel matches pattern.
func Match(pattern, channel string) bool {
	ps := splitChannel(pattern)
	cs := splitChannel(channel)

	for i, p := range ps {
		if p == "**" {
			return i < len(cs)
		}
		if i >= len(cs) {
			return false
		}
		if p != "*" && p != cs[i] {
			return false
		}
	}
	return len(ps) == len(cs)
}

func splitChannel(c string) []string {
	c = strings.Trim(c, "/")
	if c == "" {
		return nil
	}
	return strings.Split(c, "/")
}
