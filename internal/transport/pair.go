package transport

import (
	"context"
	"sync"
)

// pairBuffer is the per-direction frame buffer of an in-memory pair.
const pairBuffer = 256

// pairConn is one endpoint of an in-memory transport pair.
// Frames written on one endpoint arrive as Data events on the other.
type pairConn struct {
	out chan []byte // frames to the peer
	in  chan []byte // frames from the peer

	closeOnce *sync.Once    // shared: either side closes the pair
	closed    chan struct{} // closed by either side's Close
	drained   bool          // Recv delivered EventDisconnected
	mu        sync.Mutex
}

// Pair returns two connected in-memory endpoints. Each side is safe for one
// concurrent reader and any number of writers, matching how the router
// drives a transport.
func Pair() (Conn, Conn) {
	ab := make(chan []byte, pairBuffer)
	ba := make(chan []byte, pairBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pairConn{out: ab, in: ba, closed: closed, closeOnce: once}
	b := &pairConn{out: ba, in: ab, closed: closed, closeOnce: once}
	return a, b
}

func (c *pairConn) Send(ctx context.Context, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- cp:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pairConn) TrySend(frame []byte) bool {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- cp:
		return true
	default:
		return false
	}
}

func (c *pairConn) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *pairConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pairConn) Recv(ctx context.Context) (Event, error) {
	c.mu.Lock()
	drained := c.drained
	c.mu.Unlock()
	if drained {
		return Event{}, ErrClosed
	}

	// Drain buffered frames even after close so no data is lost on an
	// orderly shutdown.
	select {
	case frame := <-c.in:
		return Event{Kind: EventData, Data: frame}, nil
	default:
	}
	select {
	case frame := <-c.in:
		return Event{Kind: EventData, Data: frame}, nil
	case <-c.closed:
		c.mu.Lock()
		c.drained = true
		c.mu.Unlock()
		return Event{Kind: EventDisconnected, Reason: "closed"}, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
