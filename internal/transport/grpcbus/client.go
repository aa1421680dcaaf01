package grpcbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"liveresults/internal/transport"
)

// Options configures the relay connection.
type Options struct {
	Addr        string
	DialOptions []grpc.DialOption
}

type sessionStream = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

// Client is a transport.Transport holding one Session stream to a Relay.
type Client struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      *grpc.ClientConn
	stream    sessionStream
	cancel    context.CancelFunc
	subs      []subscription
	listeners []func(bool)
	batching  bool
	pending   []frame

	sendMu sync.Mutex
}

type subscription struct {
	pattern string
	h       transport.Handler
}

var _ transport.Transport = (*Client)(nil)

// NewClient creates an unconnected client.
func NewClient(opts Options, log *slog.Logger) *Client {
	return &Client{opts: opts, log: log}
}

// Connect opens a session stream and replays subscriptions on it.
func (c *Client) Connect(ctx context.Context) error {
	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, c.opts.DialOptions...)
	conn, err := grpc.NewClient(c.opts.Addr, dial...)
	if err != nil {
		c.notify(false)
		return fmt.Errorf("connecting to %s: %w", c.opts.Addr, err)
	}

	// The stream outlives ctx; it ends on Disconnect.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cs, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		cancel()
		conn.Close()
		c.notify(false)
		return fmt.Errorf("opening session on %s: %w", c.opts.Addr, err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}

	c.mu.Lock()
	var frames []frame
	for _, s := range c.subs {
		frames = append(frames, frame{Op: opSubscribe, Subscription: s.pattern})
	}
	c.mu.Unlock()

	if err := c.sendFrames(stream, frames); err != nil {
		cancel()
		conn.Close()
		c.notify(false)
		return fmt.Errorf("replaying subscriptions: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.cancel = cancel
	c.mu.Unlock()

	go c.recvLoop(stream)

	c.log.Info("relay session opened", "addr", c.opts.Addr)
	c.notify(true)
	return nil
}

// Disconnect ends the session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, stream, cancel := c.conn, c.stream, c.cancel
	c.conn, c.stream, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.sendMu.Lock()
	_ = stream.CloseSend()
	c.sendMu.Unlock()
	cancel()
	err := conn.Close()
	c.notify(false)
	if err != nil {
		return fmt.Errorf("closing relay connection: %w", err)
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

// Subscribe registers h locally and on the relay when connected.
func (c *Client) Subscribe(pattern string, h transport.Handler) error {
	c.mu.Lock()
	c.subs = append(c.subs, subscription{pattern: pattern, h: h})
	connected := c.stream != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(frame{Op: opSubscribe, Subscription: pattern})
}

// Publish sends payload on channel through the relay.
func (c *Client) Publish(channel string, payload any) error {
	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}

	c.mu.Lock()
	connected := c.stream != nil
	c.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	return c.send(frame{Op: opPublish, Channel: channel, Data: data})
}

// Batch holds the frames sent by fn and writes them back to back.
func (c *Client) Batch(fn func() error) error {
	c.mu.Lock()
	c.batching = true
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	c.batching = false
	frames := c.pending
	c.pending = nil
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		if serr := c.sendFrames(stream, frames); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}

func (c *Client) send(f frame) error {
	c.mu.Lock()
	if c.batching {
		c.pending = append(c.pending, f)
		c.mu.Unlock()
		return nil
	}
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return transport.ErrNotConnected
	}
	return c.sendFrames(stream, []frame{f})
}

func (c *Client) sendFrames(stream sessionStream, frames []frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, f := range frames {
		s, err := f.toStruct()
		if err != nil {
			return err
		}
		if err := stream.Send(s); err != nil {
			return fmt.Errorf("sending %s frame: %w", f.Op, err)
		}
	}
	return nil
}

func (c *Client) recvLoop(stream sessionStream) {
	for {
		s, err := stream.Recv()
		if err != nil {
			c.mu.Lock()
			current := c.stream == stream
			if current {
				c.conn.Close()
				c.cancel()
				c.conn, c.stream, c.cancel = nil, nil, nil
			}
			c.mu.Unlock()

			if current {
				c.log.Warn("relay session ended", "error", err)
				c.notify(false)
			}
			return
		}

		f, err := frameFromStruct(s)
		if err != nil {
			c.log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		if f.Op != opDeliver {
			continue
		}
		c.dispatch(transport.Message{Channel: f.Channel, Data: f.Data})
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
