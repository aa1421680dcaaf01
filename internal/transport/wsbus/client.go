package wsbus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveresults/internal/transport"
)

// Options configures the WebSocket client.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Client is a transport.Transport over a single WebSocket connection.
// Subscriptions are kept locally and replayed on every connect.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	clientID  string
	subs      []subscription
	listeners []func(bool)
	batching  bool
	pending   []Frame

	writeMu sync.Mutex
}

type subscription struct {
	pattern string
	h       transport.Handler
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates an unconnected client.
func NewClient(opts Options, log *slog.Logger) *Client {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{opts: opts, log: log}
}

// Connect dials the server, performs the handshake and replays
// subscriptions in one frame batch.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.notify(false)
		return fmt.Errorf("connecting to %s: %w", c.opts.URL, err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	frames := []Frame{{Channel: MetaHandshake, ClientID: id}}
	for _, s := range c.subs {
		frames = append(frames, Frame{Channel: MetaSubscribe, Subscription: s.pattern, ClientID: id})
	}
	c.mu.Unlock()

	if err := c.write(conn, frames); err != nil {
		conn.Close()
		c.notify(false)
		return fmt.Errorf("handshake with %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.clientID = id
	c.mu.Unlock()

	go c.readLoop(conn)

	c.log.Info("websocket connected", "url", c.opts.URL, "client_id", id)
	c.notify(true)
	return nil
}

// Disconnect closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	id := c.clientID
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = c.write(conn, Frame{Channel: MetaDisconnect, ClientID: id})
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := conn.Close()
	c.notify(false)
	if err != nil {
		return fmt.Errorf("closing websocket: %w", err)
	}
	return nil
}

// OnConnectionStatus registers a connection listener.
func (c *Client) OnConnectionStatus(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) notify(ok bool) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ok)
	}
}

// Subscribe registers h locally and tells the server when connected.
func (c *Client) Subscribe(pattern string, h transport.Handler) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{pattern: pattern, h: h})
	connected := c.conn != nil
	id := c.clientID
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(Frame{Channel: MetaSubscribe, Subscription: pattern, ClientID: id})
}

// Publish sends payload on channel.
func (c *Client) Publish(channel string, payload any) error {
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}

	c.mu.Lock()
	id := c.clientID
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	return c.send(Frame{Channel: channel, Data: data, ClientID: id})
}

// Batch collects the frames sent by fn and writes them as one array.
func (c *Client) Batch(fn func() error) error {
	c.mu.Lock()
	c.batching = true
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	c.batching = false
	frames := c.pending
	c.pending = nil
	conn := c.conn
	c.mu.Unlock()

	if len(frames) > 0 && conn != nil {
		if werr := c.write(conn, frames); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	if c.batching {
		c.pending = append(c.pending, f)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return transport.ErrNotConnected
	}
	return c.write(conn, f)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()

			if current {
				c.log.Warn("websocket read failed", "error", err)
				conn.Close()
				c.notify(false)
			}
			return
		}

		frames, err := DecodeFrames(data)
		if err != nil {
			c.log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		for _, f := range frames {
			if isMeta(f.Channel) {
				continue
			}
			c.dispatch(transport.Message{Channel: f.Channel, Data: f.Data})
		}
	}
}

func (c *Client) dispatch(m transport.Message) {
	c.mu.Lock()
	var targets []transport.Handler
	for _, s := range c.subs {
		if transport.Match(s.pattern, m.Channel) {
			targets = append(targets, s.h)
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h(m)
	}
}
