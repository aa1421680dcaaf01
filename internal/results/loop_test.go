package results

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLoopPending(t *testing.T) {
	l := NewLoop()
	l.Post(func() {})
	l.Post(func() {})
	if got := l.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.Post(func() { close(done) })
	go l.Run(ctx)
	<-done
	cancel()
	if got := l.Pending(); got != 0 {
		t.Errorf("Pending() after run = %d, want 0", got)
	}
}

func TestLoopOrder(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(done) })

	go l.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not drain")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLoopReentrantPost(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	var order []string
	l.Post(func() {
		order = append(order, "outer")
		l.Post(func() {
			order = append(order, "inner")
			wg.Done()
		})
		order = append(order, "outer-end")
	})

	waitGroup(t, &wg)
	want := []string{"outer", "outer-end", "inner"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLoopStops(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
	}
}
