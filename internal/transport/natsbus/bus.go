// Package natsbus carries results channels over NATS core subjects.
//
// Channel paths map onto subjects segment by segment: "/updates/portfolio"
// becomes "updates.portfolio", "*" stays "*" and a trailing "**" becomes ">".
// An optional prefix namespaces every subject.
package natsbus

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"liveresults/internal/transport"
)

// Options configures the NATS connection.
type Options struct {
	URL            string
	Name           string
	Prefix         string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	// PendingMessages bounds the delivery queue shared by all
	// subscriptions. NATS drops messages for a full queue and reports a
	// slow consumer.
	PendingMessages int
}

// Bus is a transport.Transport backed by a NATS connection.
//
// Every subscription feeds one channel drained by a single goroutine, so
// handlers see messages in the order the connection received them, across
// subjects.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	nc        *nats.Conn
	msgs      chan *nats.Msg
	done      chan struct{}
	handlers  map[*nats.Subscription]transport.Handler
	subs      []subscription
	listeners []func(bool)
}

type subscription struct {
	pattern string
	h       transport.Handler
}

var _ transport.Transport = (*Bus)(nil)

// New creates an unconnected bus.
func New(opts Options, log *slog.Logger) *Bus {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	if opts.PendingMessages == 0 {
		opts.PendingMessages = 65536
	}
	return &Bus{opts: opts, log: log}
}

// Connect dials the server and subscribes every registered pattern. While a
// connection exists NATS reconnects and restores subscriptions itself, so
// Connect is a no-op.
func (b *Bus) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.nc != nil && !b.nc.IsClosed() {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	nc, err := nats.Connect(b.opts.URL,
		nats.Name(b.opts.Name),
		nats.Timeout(b.opts.ConnectTimeout),
		nats.ReconnectWait(b.opts.ReconnectWait),
		nats.MaxReconnects(b.opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn("nats disconnected", "error", err)
			b.notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", "url", nc.ConnectedUrl())
			b.notify(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.log.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.log.Error("nats async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		b.notify(false)
		return fmt.Errorf("connecting to nats at %s: %w", b.opts.URL, err)
	}

	msgs := make(chan *nats.Msg, b.opts.PendingMessages)
	done := make(chan struct{})

	b.mu.Lock()
	b.nc = nc
	b.msgs = msgs
	b.done = done
	b.handlers = make(map[*nats.Subscription]transport.Handler, len(b.subs))
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	go b.deliver(msgs, done)

	for _, s := range subs {
		if err := b.subscribe(nc, s.pattern, s.h); err != nil {
			b.mu.Lock()
			b.nc = nil
			b.mu.Unlock()
			close(done)
			nc.Close()
			b.notify(false)
			return err
		}
	}

	b.log.Info("connected to nats", "url", nc.ConnectedUrl())
	b.notify(true)
	return nil
}

// Disconnect drains and closes the connection.
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	nc, done := b.nc, b.done
	b.nc, b.done = nil, nil
	b.mu.Unlock()

	if nc == nil {
		return nil
	}
	defer close(done)
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	b.notify(false)
	return nil
}

// OnConnectionStatus registers a connection listener.
func (b *Bus) OnConnectionStatus(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

func (b *Bus) notify(ok bool) {
	b.mu.Lock()
	listeners := slices.Clone(b.listeners)
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(ok)
	}
}

// Subscribe registers h for pattern. Patterns are kept and subscribed again
// by every Connect.
func (b *Bus) Subscribe(pattern string, h transport.Handler) error {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: pattern, h: h})
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return nil
	}
	return b.subscribe(nc, pattern, h)
}

func (b *Bus) subscribe(nc *nats.Conn, pattern string, h transport.Handler) error {
	subject := Subject(b.opts.Prefix, pattern)

	// Held across ChanSubscribe so deliver cannot see a message for the
	// subscription before its handler is registered.
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := nc.ChanSubscribe(subject, b.msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	b.handlers[sub] = h
	return nil
}

func (b *Bus) deliver(msgs <-chan *nats.Msg, done <-chan struct{}) {
	for {
		select {
		case m := <-msgs:
			b.mu.Lock()
			h := b.handlers[m.Sub]
			b.mu.Unlock()
			if h == nil {
				continue
			}
			h(transport.Message{
				Channel: Channel(b.opts.Prefix, m.Subject),
				Data:    m.Data,
			})
		case <-done:
			return
		}
	}
}

// Publish sends payload on the subject for channel.
func (b *Bus) Publish(channel string, payload any) error {
	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil || !nc.IsConnected() {
		return transport.ErrNotConnected
	}

	data, err := transport.Encode(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}
	return nc.Publish(Subject(b.opts.Prefix, channel), data)
}

// Batch runs fn and flushes the connection once afterwards, so the
// publishes and subscriptions made by fn reach the server together.
func (b *Bus) Batch(fn func() error) error {
	if err := fn(); err != nil {
		return err
	}

	b.mu.Lock()
	nc := b.nc
	b.mu.Unlock()
	if nc == nil {
		return nil
	}
	if err := nc.FlushTimeout(b.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("flushing nats batch: %w", err)
	}
	return nil
}

// Subject converts a channel path or pattern to a NATS subject.
func Subject(prefix, channel string) string {
	segs := strings.Split(strings.Trim(channel, "/"), "/")
	for i, s := range segs {
		if s == "**" {
			segs[i] = ">"
		}
	}
	subject := strings.Join(segs, ".")
	if prefix != "" {
		subject = prefix + "." + subject
	}
	return subject
}

// Channel converts a NATS subject back to a channel path.
func Channel(prefix, subject string) string {
	if prefix != "" {
		subject = strings.TrimPrefix(subject, prefix+".")
	}
	return "/" + strings.ReplaceAll(subject, ".", "/")
}
