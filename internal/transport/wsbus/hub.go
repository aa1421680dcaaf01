package wsbus

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveresults/internal/transport"
)

const sessionBuffer = 1024

// Hub is the server side of the protocol: an http.Handler that upgrades
// each request to a session on a shared Router.
type Hub struct {
	router   *transport.Router
	log      *slog.Logger
	upgrader websocket.Upgrader
	buffer   int
}

// NewHub creates a hub routing through r.
func NewHub(r *transport.Router, log *slog.Logger) *Hub {
	return &Hub{
		router: r,
		log:    log,
		buffer: sessionBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP runs one session until the peer disconnects. A session that
// cannot keep up with its messages is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	log := h.log.With("session", id)
	out := transport.NewOutbox(h.buffer, func() {
		log.Warn("session too slow, closing")
		conn.Close()
	})
	done := make(chan struct{})

	h.router.Attach(id, func(m transport.Message) { out.Push(m) })
	defer h.router.Detach(id)

	go func() {
		for {
			select {
			case m := <-out.Messages():
				if err := conn.WriteJSON(Frame{Channel: m.Channel, Data: m.Data}); err != nil {
					log.Warn("writing to session", "error", err)
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	log.Info("session opened", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("session closed", "reason", err)
			return
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			log.Warn("ignoring malformed frame", "error", err)
			continue
		}
		for _, f := range frames {
			if !h.handle(id, f) {
				log.Info("session disconnected by client")
				return
			}
		}
	}
}

// handle applies one inbound frame and reports whether the session stays
// open.
func (h *Hub) handle(id string, f Frame) bool {
	switch f.Channel {
	case MetaHandshake:
		h.log.Debug("handshake", "session", id, "client_id", f.ClientID)
	case MetaSubscribe:
		h.router.Subscribe(id, f.Subscription)
	case MetaUnsubscribe:
		h.router.Unsubscribe(id, f.Subscription)
	case MetaDisconnect:
		return false
	default:
		h.router.Route(transport.Message{Channel: f.Channel, Data: f.Data})
	}
	return true
}
