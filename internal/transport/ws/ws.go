// Package ws adapts WebSocket connections to the CLASP transport contract.
// Each binary WebSocket message carries exactly one CLASP frame.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lumencanvas/clasp/internal/transport"
)

const (
	writeTimeout = 5 * time.Second
	maxFrameRead = 1 << 17 // a frame header plus max payload fits well inside
)

// Attacher is the router surface the handler needs.
type Attacher interface {
	AttachTransport(conn transport.Conn)
}

// Handler owns websocket transport for the router.
type Handler struct {
	router   Attacher
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to router.
func NewHandler(router Attacher) *Handler {
	return &Handler{
		router: router,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/clasp", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and hands the connection to the
// router. The session is served on router goroutines.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.router.AttachTransport(newConn(conn, remoteAddr))
	return nil
}

// wsConn adapts one *websocket.Conn to transport.Conn.
type wsConn struct {
	c      *websocket.Conn
	remote string

	events chan transport.Event

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	drained   bool
	drainMu   sync.Mutex
}

func newConn(c *websocket.Conn, remote string) *wsConn {
	w := &wsConn{
		c:      c,
		remote: remote,
		events: make(chan transport.Event, 64),
		closed: make(chan struct{}),
	}
	c.SetReadLimit(maxFrameRead)
	go w.readPump()
	return w
}

// readPump feeds inbound websocket messages to Recv as Data events.
func (w *wsConn) readPump() {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "peer closed"
			}
			select {
			case w.events <- transport.Event{Kind: transport.EventDisconnected, Reason: reason}:
			case <-w.closed:
			}
			w.Close()
			return
		}
		if mt != websocket.BinaryMessage {
			continue // CLASP frames are binary; ignore text/control payloads
		}
		select {
		case w.events <- transport.Event{Kind: transport.EventData, Data: data}:
		case <-w.closed:
			return
		}
	}
}

func (w *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-w.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		w.Close()
		return err
	}
	return nil
}

// TrySend writes through Send, so it can block for up to writeTimeout; it
// reports false on any Send error.
func (w *wsConn) TrySend(frame []byte) bool {
	return w.Send(context.Background(), frame) == nil
}

func (w *wsConn) IsConnected() bool {
	select {
	case <-w.closed:
		return false
	default:
		return true
	}
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.c.Close()
	})
	return nil
}

func (w *wsConn) Recv(ctx context.Context) (transport.Event, error) {
	w.drainMu.Lock()
	drained := w.drained
	w.drainMu.Unlock()
	if drained {
		return transport.Event{}, transport.ErrClosed
	}

	select {
	case ev := <-w.events:
		if ev.Kind == transport.EventDisconnected {
			w.drainMu.Lock()
			w.drained = true
			w.drainMu.Unlock()
		}
		return ev, nil
	case <-w.closed:
		w.drainMu.Lock()
		w.drained = true
		w.drainMu.Unlock()
		return transport.Event{Kind: transport.EventDisconnected, Reason: "closed"}, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}
