package wsbus

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liveresults/internal/results"
	"liveresults/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// rawServer accepts one connection at a time and hands every received text
// message to msgs. Connections are pushed to conns so tests can drop them.
func rawServer(t *testing.T) (*httptest.Server, chan []byte, chan *websocket.Conn) {
	t.Helper()
	msgs := make(chan []byte, 16)
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- data
		}
	}))
	t.Cleanup(srv.Close)
	return srv, msgs, conns
}

func nextFrames(t *testing.T, msgs chan []byte) []Frame {
	t.Helper()
	select {
	case data := <-msgs:
		frames, err := DecodeFrames(data)
		if err != nil {
			t.Fatalf("DecodeFrames(%s): %v", data, err)
		}
		return frames
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestDecodeFrames(t *testing.T) {
	frames, err := DecodeFrames([]byte(` {"channel":"/status","data":{"isRunning":true}}`))
	if err != nil || len(frames) != 1 || frames[0].Channel != "/status" {
		t.Fatalf("single frame = %+v, %v", frames, err)
	}

	frames, err = DecodeFrames([]byte(`[{"channel":"/a"},{"channel":"/b"}]`))
	if err != nil || len(frames) != 2 || frames[1].Channel != "/b" {
		t.Fatalf("frame array = %+v, %v", frames, err)
	}

	if _, err := DecodeFrames([]byte(`{"channel":`)); err == nil {
		t.Error("malformed frame decoded without error")
	}
}

func TestConnectSendsHandshakeAndSubscriptions(t *testing.T) {
	srv, msgs, _ := rawServer(t)
	c := NewClient(Options{URL: wsURL(srv)}, discardLogger())
	c.Subscribe("/status", func(transport.Message) {})
	c.Subscribe("/updates/control/**", func(transport.Message) {})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	frames := nextFrames(t, msgs)
	if len(frames) != 3 {
		t.Fatalf("connect frames = %+v, want handshake and two subscriptions", frames)
	}
	if frames[0].Channel != MetaHandshake || frames[0].ClientID == "" {
		t.Errorf("first frame = %+v, want handshake with client id", frames[0])
	}
	if frames[2].Channel != MetaSubscribe || frames[2].Subscription != "/updates/control/**" {
		t.Errorf("third frame = %+v, want control subscription", frames[2])
	}
	if frames[1].ClientID != frames[0].ClientID {
		t.Error("client id differs between frames")
	}
}

func TestBatchWritesOneArray(t *testing.T) {
	srv, msgs, _ := rawServer(t)
	c := NewClient(Options{URL: wsURL(srv)}, discardLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()
	nextFrames(t, msgs)

	err := c.Batch(func() error {
		if err := c.Subscribe("/views", func(transport.Message) {}); err != nil {
			return err
		}
		return c.Publish("/service/views", struct{}{})
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	frames := nextFrames(t, msgs)
	if len(frames) != 2 {
		t.Fatalf("batch frames = %+v, want 2", frames)
	}
	if frames[0].Channel != MetaSubscribe || frames[1].Channel != "/service/views" {
		t.Errorf("batch channels = %q, %q", frames[0].Channel, frames[1].Channel)
	}
	if string(frames[1].Data) != "{}" {
		t.Errorf("publish data = %s, want {}", frames[1].Data)
	}
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	srv, msgs, conns := rawServer(t)
	c := NewClient(Options{URL: wsURL(srv)}, discardLogger())

	status := make(chan bool, 4)
	c.OnConnectionStatus(func(ok bool) { status <- ok })
	c.Subscribe("/status", func(transport.Message) {})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	nextFrames(t, msgs)
	if ok := <-status; !ok {
		t.Fatal("first notification = false, want true")
	}

	(<-conns).Close()
	select {
	case ok := <-status:
		if ok {
			t.Fatal("notification after drop = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification after connection drop")
	}

	if err := c.Publish("/service/views", nil); err != transport.ErrNotConnected {
		t.Errorf("Publish while dropped = %v, want ErrNotConnected", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer c.Disconnect()
	frames := nextFrames(t, msgs)
	if len(frames) != 2 || frames[1].Subscription != "/status" {
		t.Errorf("reconnect frames = %+v, want the status subscription replayed", frames)
	}
}

func TestHubRoutesBetweenClients(t *testing.T) {
	router := transport.NewRouter()
	srv := httptest.NewServer(NewHub(router, discardLogger()))
	defer srv.Close()

	got := make(chan transport.Message, 16)
	sub := NewClient(Options{URL: wsURL(srv)}, discardLogger())
	sub.Subscribe("/updates/**", func(m transport.Message) { got <- m })
	pub := NewClient(Options{URL: wsURL(srv)}, discardLogger())

	for _, c := range []*Client{sub, pub} {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer c.Disconnect()
	}

	// The subscription is applied asynchronously by the hub, so keep
	// publishing until it takes effect.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-got:
			if m.Channel != "/updates/portfolio" || string(m.Data) != `{"rowId":1}` {
				t.Fatalf("received %s %s", m.Channel, m.Data)
			}
			return
		case <-tick.C:
			if err := pub.Publish("/updates/portfolio", map[string]int{"rowId": 1}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			pub.Publish("/status", struct{}{})
		case <-deadline:
			t.Fatal("message never routed to subscriber")
		}
	}
}

func TestResultsClientRecoversFromServerDrop(t *testing.T) {
	srv, msgs, conns := rawServer(t)
	client := results.NewClient(NewClient(Options{URL: wsURL(srv)}, discardLogger()), discardLogger())
	connected := make(chan struct{}, 4)
	client.OnConnected.Subscribe(func(struct{}) { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- client.Run(ctx, 5, 10*time.Millisecond) }()

	waitConnected := func(what string) {
		t.Helper()
		select {
		case <-connected:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	waitConnected("first connect")
	first := <-conns

	// Handshake, then the client's subscriptions in one batch.
	if frames := nextFrames(t, msgs); frames[0].Channel != MetaHandshake {
		t.Fatalf("first frames = %+v, want handshake", frames)
	}
	subscribed := nextFrames(t, msgs)

	first.Close()
	waitConnected("reconnect")

	replayed := nextFrames(t, msgs)
	if len(replayed) != len(subscribed)+1 || replayed[0].Channel != MetaHandshake {
		t.Fatalf("reconnect frames = %+v, want handshake and %d subscriptions", replayed, len(subscribed))
	}
	for i, f := range subscribed {
		if replayed[i+1].Subscription != f.Subscription {
			t.Errorf("replayed subscription %d = %q, want %q", i, replayed[i+1].Subscription, f.Subscription)
		}
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	client.Stop()
}
