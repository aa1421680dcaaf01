package grpcbus

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"liveresults/internal/transport"
)

const sessionBuffer = 4096

// Relay serves Session streams, routing published frames to every session
// subscribed to a matching channel.
type Relay struct {
	router *transport.Router
	log    *slog.Logger
	buffer int
}

// NewRelay creates a relay on r. Sharing r with other front ends lets their
// sessions exchange messages.
func NewRelay(r *transport.Router, log *slog.Logger) *Relay {
	return &Relay{router: r, log: log, buffer: sessionBuffer}
}

// RegisterGRPC registers the relay on gs.
func (r *Relay) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, r)
}

// Session runs one client session until it closes its send side or the
// stream fails. A session that cannot keep up with its messages is ended
// with ResourceExhausted.
func (r *Relay) Session(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	id := uuid.NewString()
	log := r.log.With("session", id)
	overflow := make(chan struct{})
	out := transport.NewOutbox(r.buffer, func() { close(overflow) })
	done := make(chan struct{})

	r.router.Attach(id, func(m transport.Message) { out.Push(m) })
	defer r.router.Detach(id)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case m := <-out.Messages():
				s, err := frame{Op: opDeliver, Channel: m.Channel, Data: m.Data}.toStruct()
				if err != nil {
					log.Warn("dropping undeliverable message", "channel", m.Channel, "error", err)
					continue
				}
				if err := stream.Send(s); err != nil {
					log.Warn("sending to session", "error", err)
					return
				}
			case <-done:
				return
			case <-stream.Context().Done():
				return
			}
		}
	}()

	log.Info("relay session opened")
	received := make(chan struct{})
	go func() {
		defer close(received)
		r.receive(id, log, stream)
	}()

	select {
	case <-received:
		close(done)
		wg.Wait()
		return nil
	case <-overflow:
		close(done)
		// The writer may be blocked in Send; it returns once the stream
		// context ends with this handler.
		log.Warn("session too slow, closing")
		return status.Error(codes.ResourceExhausted, "session fell behind its messages")
	}
}

func (r *Relay) receive(id string, log *slog.Logger, stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) {
	for {
		s, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Info("relay session closed")
			return
		}
		if err != nil {
			log.Info("relay session ended", "reason", err)
			return
		}

		f, err := frameFromStruct(s)
		if err != nil {
			log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		switch f.Op {
		case opSubscribe:
			r.router.Subscribe(id, f.Subscription)
		case opUnsubscribe:
			r.router.Unsubscribe(id, f.Subscription)
		case opPublish:
			r.router.Route(transport.Message{Channel: f.Channel, Data: f.Data})
		default:
			log.Warn("unknown frame op", "op", f.Op)
		}
	}
}
