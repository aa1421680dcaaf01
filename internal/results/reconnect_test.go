package results

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"liveresults/internal/transport/memory"
)

// flakyTransport fails the next failures connects.
type flakyTransport struct {
	*memory.Endpoint

	mu       sync.Mutex
	failures int
	connects int
}

var errRefused = errors.New("connection refused")

func (f *flakyTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return errRefused
	}
	return f.Endpoint.Connect(ctx)
}

func (f *flakyTransport) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *flakyTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func newLoopClient(tr *flakyTransport) (*Client, chan struct{}) {
	c := NewClient(tr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	connected := make(chan struct{}, 4)
	c.OnConnected.Subscribe(func(struct{}) { connected <- struct{}{} })
	return c, connected
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	tr := &flakyTransport{Endpoint: memory.NewBus().Endpoint()}
	c, connected := newLoopClient(tr)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx, 5, time.Millisecond) }()
	waitFor(t, connected, "first connect")

	tr.failNext(2)
	tr.Drop()
	waitFor(t, connected, "reconnect")

	if got := tr.connectCount(); got != 4 {
		t.Errorf("connect calls = %d, want 4", got)
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestRunGivesUpOnFirstConnect(t *testing.T) {
	tr := &flakyTransport{Endpoint: memory.NewBus().Endpoint(), failures: 10}
	c, _ := newLoopClient(tr)
	defer c.Stop()

	err := c.Run(context.Background(), 3, time.Millisecond)
	if !errors.Is(err, errRefused) {
		t.Fatalf("Run = %v, want %v", err, errRefused)
	}
	if got := tr.connectCount(); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
}

func TestRunGivesUpAfterDrop(t *testing.T) {
	tr := &flakyTransport{Endpoint: memory.NewBus().Endpoint()}
	c, connected := newLoopClient(tr)
	defer c.Stop()

	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background(), 2, time.Millisecond) }()
	waitFor(t, connected, "first connect")

	tr.failNext(5)
	tr.Drop()

	select {
	case err := <-errc:
		if !errors.Is(err, errRefused) {
			t.Errorf("Run = %v, want %v", err, errRefused)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up")
	}
	if got := tr.connectCount(); got != 3 {
		t.Errorf("connect calls = %d, want 3", got)
	}
}
