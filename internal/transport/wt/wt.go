// Package wt adapts WebTransport sessions to the CLASP transport contract.
// Each session uses one bidirectional stream; frames travel with a u16
// big-endian length prefix so the adapter, not the core, does the framing.
package wt

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/lumencanvas/clasp/internal/transport"
)

const (
	acceptStreamTimeout = 10 * time.Second
	maxFrameLen         = 1<<16 - 1
)

// Attacher is the router surface the server needs.
type Attacher interface {
	AttachTransport(conn transport.Conn)
}

// Server hosts CLASP over WebTransport.
type Server struct {
	router Attacher
	wt     *webtransport.Server
}

// NewServer builds a WebTransport server on addr with the given TLS config.
func NewServer(router Attacher, addr string, tlsConf *tls.Config) *Server {
	mux := http.NewServeMux()
	s := &Server{router: router}
	s.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   mux,
		},
	}
	mux.HandleFunc("/clasp", func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Error("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.serveSession(sess, r.RemoteAddr)
	})
	return s
}

// Run listens until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.wt.Close()
	}()
	slog.Info("webtransport listening", "addr", s.wt.H3.Addr)
	err := s.wt.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

// serveSession waits for the client's control stream and attaches it.
func (s *Server) serveSession(sess *webtransport.Session, remote string) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptStreamTimeout)
	defer cancel()
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream failed", "remote", remote, "err", err)
		sess.CloseWithError(0, "no control stream")
		return
	}
	s.router.AttachTransport(newStreamConn(stream, sess))
}

// streamConn adapts one length-prefixed byte stream to transport.Conn.
type streamConn struct {
	stream  io.ReadWriteCloser
	sess    *webtransport.Session
	events  chan transport.Event
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	drained   bool
	drainMu   sync.Mutex
}

func newStreamConn(stream io.ReadWriteCloser, sess *webtransport.Session) *streamConn {
	c := &streamConn{
		stream: stream,
		sess:   sess,
		events: make(chan transport.Event, 64),
		closed: make(chan struct{}),
	}
	go c.readPump()
	return c
}

// readPump reassembles length-prefixed frames from the stream.
func (c *streamConn) readPump() {
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
			c.disconnect("read error")
			return
		}
		n := int(binary.BigEndian.Uint16(lenBuf[:]))
		if n == 0 || n > maxFrameLen {
			c.disconnect("bad length prefix")
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.stream, frame); err != nil {
			c.disconnect("read error")
			return
		}
		select {
		case c.events <- transport.Event{Kind: transport.EventData, Data: frame}:
		case <-c.closed:
			return
		}
	}
}

func (c *streamConn) disconnect(reason string) {
	select {
	case c.events <- transport.Event{Kind: transport.EventDisconnected, Reason: reason}:
	case <-c.closed:
	}
	c.Close()
}

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if len(frame) > maxFrameLen {
		return errors.New("wt: frame too large")
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(frame)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		c.Close()
		return err
	}
	if _, err := c.stream.Write(frame); err != nil {
		c.Close()
		return err
	}
	return nil
}

// TrySend writes through Send, so it blocks until the stream write returns;
// it reports false on any Send error.
func (c *streamConn) TrySend(frame []byte) bool {
	return c.Send(context.Background(), frame) == nil
}

func (c *streamConn) IsConnected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
		if c.sess != nil {
			c.sess.CloseWithError(0, "bye")
		}
	})
	return nil
}

func (c *streamConn) Recv(ctx context.Context) (transport.Event, error) {
	c.drainMu.Lock()
	drained := c.drained
	c.drainMu.Unlock()
	if drained {
		return transport.Event{}, transport.ErrClosed
	}

	select {
	case ev := <-c.events:
		if ev.Kind == transport.EventDisconnected {
			c.drainMu.Lock()
			c.drained = true
			c.drainMu.Unlock()
		}
		return ev, nil
	case <-c.closed:
		c.drainMu.Lock()
		c.drained = true
		c.drainMu.Unlock()
		return transport.Event{Kind: transport.EventDisconnected, Reason: "closed"}, nil
	case <-ctx.Done():
		return transport.Event{}, ctx.Err()
	}
}
