package transport

import (
	"context"
	"testing"
	"time"
)

func TestPairDelivery(t *testing.T) {
	a, b := Pair()
	ctx := context.Background()

	if err := a.Send(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	ev, err := b.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventData || len(ev.Data) != 3 || ev.Data[0] != 1 {
		t.Errorf("got %+v", ev)
	}
}

func TestPairBidirectional(t *testing.T) {
	a, b := Pair()
	ctx := context.Background()
	if err := b.Send(ctx, []byte{9}); err != nil {
		t.Fatal(err)
	}
	ev, err := a.Recv(ctx)
	if err != nil || ev.Kind != EventData || ev.Data[0] != 9 {
		t.Fatalf("got %+v, %v", ev, err)
	}
}

func TestPairOrderPreserved(t *testing.T) {
	a, b := Pair()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := a.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 50; i++ {
		ev, err := b.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if int(ev.Data[0]) != i {
			t.Fatalf("frame %d arrived at position %d", ev.Data[0], i)
		}
	}
}

func TestPairSendCopiesFrame(t *testing.T) {
	a, b := Pair()
	ctx := context.Background()
	buf := []byte{1}
	if err := a.Send(ctx, buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 99 // caller reuses its buffer
	ev, _ := b.Recv(ctx)
	if ev.Data[0] != 1 {
		t.Error("transport must copy the frame on send")
	}
}

func TestPairClose(t *testing.T) {
	a, b := Pair()
	ctx := context.Background()

	if err := a.Send(ctx, []byte{1}); err != nil {
		t.Fatal(err)
	}
	a.Close()

	if a.IsConnected() || b.IsConnected() {
		t.Error("both sides should report disconnected")
	}

	// Buffered data still drains before the disconnect event.
	ev, err := b.Recv(ctx)
	if err != nil || ev.Kind != EventData {
		t.Fatalf("got %+v, %v; want buffered data", ev, err)
	}
	ev, err = b.Recv(ctx)
	if err != nil || ev.Kind != EventDisconnected {
		t.Fatalf("got %+v, %v; want disconnect", ev, err)
	}
	if _, err := b.Recv(ctx); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed after disconnect", err)
	}

	if err := a.Send(ctx, []byte{2}); err != ErrClosed {
		t.Errorf("send after close: %v, want ErrClosed", err)
	}
	if a.TrySend([]byte{2}) {
		t.Error("TrySend after close should fail")
	}
}

func TestPairDoubleCloseSafe(t *testing.T) {
	a, b := Pair()
	a.Close()
	b.Close()
	a.Close()
}

func TestPairTrySendBackpressure(t *testing.T) {
	a, _ := Pair()
	sent := 0
	for i := 0; i < pairBuffer*2; i++ {
		if a.TrySend([]byte{byte(i)}) {
			sent++
		}
	}
	if sent != pairBuffer {
		t.Errorf("TrySend accepted %d frames, want %d", sent, pairBuffer)
	}
}

func TestPairRecvContextCancel(t *testing.T) {
	_, b := Pair()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := b.Recv(ctx); err == nil {
		t.Error("expected context error from blocked Recv")
	}
}
