package transport

import (
	"encoding/json"
	"testing"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		channel string
		want    bool
	}{
		{"/status", "/status", true},
		{"/status", "/views", false},
		{"/updates/control/**", "/updates/control/start", true},
		{"/updates/control/**", "/updates/control/end", true},
		{"/updates/control/**", "/updates/control/a/b", true},
		{"/updates/control/**", "/updates/control", false},
		{"/updates/*", "/updates/portfolio", true},
		{"/updates/*", "/updates/control/start", false},
		{"/gridStructure/*/columns", "/gridStructure/primitives/columns", true},
		{"/updates/portfolio", "/updates/portfolio/x", false},
	}

	for _, tt := range tests {
		if got := Match(tt.pattern, tt.channel); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.channel, got, tt.want)
		}
	}
}

func TestMessageDecode(t *testing.T) {
	m := Message{Channel: "/status", Data: []byte(`{"isRunning":true}`)}
	var v struct {
		IsRunning bool `json:"isRunning"`
	}
	if err := m.Decode(&v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !v.IsRunning {
		t.Error("IsRunning = false, want true")
	}

	if err := (Message{}).Decode(&v); err != nil {
		t.Errorf("Decode of empty payload: %v", err)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, ""},
		{"raw", json.RawMessage(`{"a":1}`), `{"a":1}`},
		{"bytes", []byte(`[1]`), `[1]`},
		{"struct", struct {
			ViewName string `json:"viewName"`
		}{"Main"}, `{"viewName":"Main"}`},
		{"empty", struct{}{}, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := Encode(make(chan int)); err == nil {
		t.Error("Encode(chan) succeeded, want error")
	}
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var a, b []string
	r.Attach("a", func(m Message) { a = append(a, m.Channel) })
	r.Attach("b", func(m Message) { b = append(b, m.Channel) })

	r.Subscribe("a", "/updates/**")
	r.Subscribe("a", "/updates/control/*")
	r.Subscribe("b", "/status")
	r.Subscribe("missing", "/status")

	if n := r.Route(Message{Channel: "/updates/control/start"}); n != 1 {
		t.Errorf("Route reached %d sessions, want 1", n)
	}
	r.Route(Message{Channel: "/status"})
	r.Unsubscribe("b", "/status")
	r.Route(Message{Channel: "/status"})

	if len(a) != 1 || a[0] != "/updates/control/start" {
		t.Errorf("session a got %v, want one control message", a)
	}
	if len(b) != 1 {
		t.Errorf("session b got %v, want one status", b)
	}

	r.Detach("a")
	if r.Sessions() != 1 {
		t.Errorf("Sessions = %d, want 1", r.Sessions())
	}
	if n := r.Route(Message{Channel: "/updates/portfolio"}); n != 0 {
		t.Errorf("Route after detach reached %d, want 0", n)
	}
}

func TestOutboxOverflowsOnce(t *testing.T) {
	overflows := 0
	o := NewOutbox(2, func() { overflows++ })

	for i, ch := range []string{"/a", "/b", "/updates/control/end", "/c"} {
		queued := o.Push(Message{Channel: ch})
		if want := i < 2; queued != want {
			t.Errorf("Push(%s) = %v, want %v", ch, queued, want)
		}
	}
	if overflows != 1 {
		t.Errorf("overflows = %d, want 1", overflows)
	}

	for _, want := range []string{"/a", "/b"} {
		if m := <-o.Messages(); m.Channel != want {
			t.Errorf("queued channel = %q, want %q", m.Channel, want)
		}
	}
	if !o.Push(Message{Channel: "/d"}) {
		t.Error("Push after draining = false, want true")
	}
	if overflows != 1 {
		t.Errorf("overflows after draining = %d, want 1", overflows)
	}
}
