package memory

import (
	"context"
	"testing"

	"liveresults/internal/transport"
)

func TestBusDelivery(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint()
	b := bus.Endpoint()
	ctx := context.Background()

	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	var got []string
	b.Subscribe("/updates/control/**", func(m transport.Message) {
		got = append(got, m.Channel)
	})

	a.Publish("/updates/control/start", map[string]int{"timestamp": 1})
	a.Publish("/updates/portfolio", "x")
	a.Publish("/updates/control/end", nil)

	if len(got) != 2 || got[0] != "/updates/control/start" || got[1] != "/updates/control/end" {
		t.Errorf("delivered = %v, want start then end", got)
	}
}

func TestEndpointPublishDisconnected(t *testing.T) {
	e := NewBus().Endpoint()
	if err := e.Publish("/service/updates", struct{}{}); err != transport.ErrNotConnected {
		t.Errorf("Publish while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestEndpointBatch(t *testing.T) {
	bus := NewBus()
	a := bus.Endpoint()
	b := bus.Endpoint()
	a.Connect(context.Background())
	b.Connect(context.Background())

	count := 0
	b.Subscribe("/service/**", func(transport.Message) { count++ })

	err := a.Batch(func() error {
		a.Publish("/service/views", struct{}{})
		a.Publish("/service/updates", struct{}{})
		if count != 0 {
			t.Errorf("delivered %d messages inside batch, want 0", count)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("delivered %d messages after batch, want 2", count)
	}
}

func TestEndpointConnectionStatus(t *testing.T) {
	e := NewBus().Endpoint()
	var states []bool
	e.OnConnectionStatus(func(ok bool) { states = append(states, ok) })

	e.Connect(context.Background())
	e.Drop()

	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("states = %v, want [true false]", states)
	}
}
