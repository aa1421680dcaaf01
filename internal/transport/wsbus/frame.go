// Package wsbus carries results channels over a WebSocket with Bayeux-style
// JSON frames. A text message holds one frame object or an array of frames;
// meta channels drive the handshake and subscriptions.
package wsbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Meta channels.
const (
	MetaHandshake   = "/meta/handshake"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"
	MetaDisconnect  = "/meta/disconnect"
)

// Frame is one message on the wire.
type Frame struct {
	Channel      string          `json:"channel"`
	Data         json.RawMessage `json:"data,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
}

func isMeta(channel string) bool {
	return strings.HasPrefix(channel, "/meta/")
}

// DecodeFrames parses a text message holding a frame or an array of frames.
func DecodeFrames(b []byte) ([]Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var frames []Frame
		if err := json.Unmarshal(b, &frames); err != nil {
			return nil, fmt.Errorf("decoding frame batch: %w", err)
		}
		return frames, nil
	}

	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	return []Frame{f}, nil
}
