package grpcbus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"liveresults/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T) (*transport.Router, Options) {
	t.Helper()
	return startRelayBuffer(t, sessionBuffer)
}

func startRelayBuffer(t *testing.T, buffer int) (*transport.Router, Options) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	router := transport.NewRouter()
	gs := grpc.NewServer()
	relay := NewRelay(router, discardLogger())
	relay.buffer = buffer
	relay.RegisterGRPC(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	return router, Options{
		Addr: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}
}

func TestFrameStructRoundTrip(t *testing.T) {
	f := frame{
		Op:      opPublish,
		Channel: "/updates/control/start",
		Data:    []byte(`{"latency":5,"timestamp":100}`),
	}
	s, err := f.toStruct()
	if err != nil {
		t.Fatalf("toStruct: %v", err)
	}
	got, err := frameFromStruct(s)
	if err != nil {
		t.Fatalf("frameFromStruct: %v", err)
	}
	if got.Op != f.Op || got.Channel != f.Channel {
		t.Errorf("frame = %+v, want %+v", got, f)
	}
	if string(got.Data) != string(f.Data) {
		t.Errorf("data = %s, want %s", got.Data, f.Data)
	}

	sub, _ := frame{Op: opSubscribe, Subscription: "/status"}.toStruct()
	back, _ := frameFromStruct(sub)
	if back.Subscription != "/status" || back.Data != nil {
		t.Errorf("subscribe frame = %+v", back)
	}

	if _, err := (frame{Op: opPublish, Data: []byte(`{`)}).toStruct(); err == nil {
		t.Error("malformed payload accepted")
	}
}

func TestRelayFanOut(t *testing.T) {
	router, opts := startRelay(t)

	got := make(chan transport.Message, 16)
	sub := NewClient(opts, discardLogger())
	sub.Subscribe("/updates/**", func(m transport.Message) { got <- m })
	pub := NewClient(opts, discardLogger())

	for _, c := range []*Client{sub, pub} {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer c.Disconnect()
	}

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case m := <-got:
			if m.Channel != "/updates/primitives" || string(m.Data) != `[1,2]` {
				t.Fatalf("received %s %s", m.Channel, m.Data)
			}
			if router.Sessions() != 2 {
				t.Errorf("Sessions = %d, want 2", router.Sessions())
			}
			return
		case <-tick.C:
			if err := pub.Publish("/updates/primitives", []int{1, 2}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		case <-deadline:
			t.Fatal("message never relayed")
		}
	}
}

func TestClientLifecycle(t *testing.T) {
	_, opts := startRelay(t)
	c := NewClient(opts, discardLogger())

	var status []bool
	c.OnConnectionStatus(func(ok bool) { status = append(status, ok) })

	if err := c.Publish("/service/views", struct{}{}); err != transport.ErrNotConnected {
		t.Errorf("Publish before connect = %v, want ErrNotConnected", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := c.Batch(func() error {
		if err := c.Subscribe("/status", func(transport.Message) {}); err != nil {
			return err
		}
		return c.Publish("/service/views", struct{}{})
	})
	if err != nil {
		t.Errorf("Batch: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}

	if len(status) != 2 || !status[0] || status[1] {
		t.Errorf("connection notifications = %v, want [true false]", status)
	}
}

func TestRelayClosesSlowSession(t *testing.T) {
	router, opts := startRelayBuffer(t, 1)
	dial := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts.DialOptions...)
	conn, err := grpc.NewClient(opts.Addr, dial...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], sessionMethod)
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	sub, err := frame{Op: opSubscribe, Subscription: "/updates/**"}.toStruct()
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(sub); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ping := transport.Message{Channel: "/updates/portfolio", Data: json.RawMessage(`{}`)}
	for router.Route(ping) == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscription never reached the relay")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Nothing reads the stream, so the session falls behind.
	big := transport.Message{
		Channel: "/updates/portfolio",
		Data:    json.RawMessage(`{"pad":"` + strings.Repeat("x", 1024) + `"}`),
	}
	for i := 0; i < 10000; i++ {
		router.Route(big)
	}

	for {
		_, err := stream.Recv()
		if err == nil {
			continue
		}
		if status.Code(err) != codes.ResourceExhausted {
			t.Fatalf("stream ended with %v, want ResourceExhausted", err)
		}
		break
	}

	deadline := time.Now().Add(2 * time.Second)
	for router.Sessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Sessions = %d after overflow, want 0", router.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
