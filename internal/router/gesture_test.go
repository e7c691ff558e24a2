package router_test

import (
	"testing"
	"time"

	"github.com/lumencanvas/clasp/internal/router"
	"github.com/lumencanvas/clasp/internal/value"
	"github.com/lumencanvas/clasp/internal/wire"
)

func TestGestureCoalescing(t *testing.T) {
	r := newRouter(t, router.Config{
		GestureCoalescing:       true,
		GestureCoalesceInterval: 50 * time.Millisecond,
	})
	sub := dial(t, r)
	sub.hello("")
	sub.subscribe(1, "/pad/xy")

	pub := dial(t, r)
	pub.hello("")

	send := func(phase wire.GesturePhase, x float64) {
		v := value.Float(x)
		pub.send(wire.Publish{
			SignalType:   wire.SignalGesture,
			Address:      "/pad/xy",
			Value:        &v,
			HasGestureID: true,
			GestureID:    1,
			Phase:        phase,
		}, wire.QoSFire)
	}

	send(wire.GestureStart, 0)
	const moves = 10
	for i := 1; i <= moves; i++ {
		send(wire.GestureMove, float64(i))
	}
	// Give the publisher goroutine time to process all moves inside one
	// coalescing interval.
	time.Sleep(10 * time.Millisecond)
	send(wire.GestureEnd, 99)

	var gotStart, gotEnd bool
	moveCount := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !gotEnd {
		m := sub.recvOrClosed()
		if m == nil {
			break
		}
		p, ok := m.(wire.Publish)
		if !ok {
			continue
		}
		switch p.Phase {
		case wire.GestureStart:
			gotStart = true
		case wire.GestureMove:
			moveCount++
		case wire.GestureEnd:
			gotEnd = true
		}
	}

	if !gotStart || !gotEnd {
		t.Fatalf("start=%v end=%v; both must be delivered unmodified", gotStart, gotEnd)
	}
	// All moves landed within one interval: at most the immediate first
	// move plus one flush can get through.
	if moveCount > 3 {
		t.Errorf("%d moves delivered, want coalesced to ≤ 3", moveCount)
	}
	if moveCount == 0 {
		t.Error("at least one move must be delivered")
	}
}

func TestGestureUncoalescedWhenDisabled(t *testing.T) {
	r := newRouter(t, router.Config{GestureCoalescing: false})
	sub := dial(t, r)
	sub.hello("")
	sub.subscribe(1, "/pad/xy")

	pub := dial(t, r)
	pub.hello("")
	for i := 0; i < 5; i++ {
		v := value.Float(float64(i))
		pub.send(wire.Publish{
			SignalType:   wire.SignalGesture,
			Address:      "/pad/xy",
			Value:        &v,
			HasGestureID: true,
			GestureID:    2,
			Phase:        wire.GestureMove,
		}, wire.QoSFire)
	}

	for i := 0; i < 5; i++ {
		p, ok := sub.recv().(wire.Publish)
		if !ok || p.Phase != wire.GestureMove {
			t.Fatalf("delivery %d: got %#v", i, p)
		}
	}
}

func TestInboundRateLimit(t *testing.T) {
	r := newRouter(t, router.Config{
		RateLimitingEnabled:  true,
		MaxMessagesPerSecond: 5,
	})
	c := dial(t, r)
	c.hello("")

	// Burst far past the limit; excess messages drop silently until the
	// drop budget earns one ERROR 501 (service unavailable).
	for i := 0; i < 150; i++ {
		c.send(wire.Ping{Nonce: uint32(i)}, wire.QoSFire)
	}

	got503 := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !got503 {
		m := c.recvOrClosed()
		if m == nil {
			break
		}
		if e, ok := m.(wire.ErrorMsg); ok && e.Code == wire.CodeServiceUnavailable {
			got503 = true
		}
	}
	if !got503 {
		t.Error("expected ERROR 501 after sustained rate-limit drops")
	}
}
