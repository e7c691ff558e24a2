// Package transport defines the byte-stream contract between the router and
// concrete transports, plus an in-memory paired transport for tests.
//
// A transport delivers exactly one CLASP frame per Data event; framing over
// stream transports (length prefixes, SLIP, websocket messages) is the
// transport's job. The router never frame-scans.
package transport

import (
	"context"
	"errors"
)

// ErrClosed reports an operation on a closed transport.
var ErrClosed = errors.New("transport: closed")

// EventKind discriminates receiver events.
type EventKind uint8

const (
	// EventConnected signals the peer finished connecting.
	EventConnected EventKind = iota
	// EventData carries exactly one CLASP frame.
	EventData
	// EventDisconnected signals an orderly or failed teardown; no further
	// events follow.
	EventDisconnected
	// EventError reports a transport-level fault; the stream may continue.
	EventError
)

// Event is one receiver occurrence.
type Event struct {
	Kind   EventKind
	Data   []byte // with EventData
	Reason string // with EventDisconnected
	Err    error  // with EventError
}

// Sender is the outbound half the router writes frames to.
type Sender interface {
	// Send blocks until the frame is accepted or ctx is done.
	Send(ctx context.Context, frame []byte) error

	// TrySend accepts the frame without blocking, reporting false when the
	// transport would block or is closed.
	TrySend(frame []byte) bool

	// IsConnected reports whether the transport is usable.
	IsConnected() bool

	// Close tears the transport down. Safe to call more than once.
	Close() error
}

// Receiver is the inbound half the router reads events from.
type Receiver interface {
	// Recv blocks for the next event. After EventDisconnected is delivered,
	// subsequent calls fail with ErrClosed.
	Recv(ctx context.Context) (Event, error)
}

// Conn is a bidirectional transport endpoint.
type Conn interface {
	Sender
	Receiver
}
