package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lumencanvas/clasp/internal/auth"
	"github.com/lumencanvas/clasp/internal/clock"
	"github.com/lumencanvas/clasp/internal/transport"
	"github.com/lumencanvas/clasp/internal/wire"
)

// sessionState is the lifecycle state machine.
type sessionState int32

const (
	stateHailing sessionState = iota
	stateAuthenticating
	stateActive
	stateDraining
	stateClosed
)

// drop-storm thresholds for rate-limited sessions.
const (
	dropWindow      = 10 * time.Second
	dropErrorBudget = 100
)

// session is one connected client from HELLO to teardown. Its mutable state
// is owned by the session goroutine; only the outbound queue and activity
// timestamp are touched by other goroutines (fan-out).
type session struct {
	id   string
	r    *Router
	conn transport.Conn

	state atomic.Int32

	subject string
	scopes  auth.ScopeSet
	clock   *clock.Sync

	out chan []byte

	lastActivityUS atomic.Int64

	limiter   *rate.Limiter
	dropCount int
	dropSince time.Time
	last503   time.Time

	gestures map[uint32]*gestureState

	ctx     context.Context
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool
}

func newSession(r *Router, conn transport.Conn) *session {
	s := &session{
		id:       uuid.NewString(),
		r:        r,
		conn:     conn,
		clock:    clock.New(),
		out:      make(chan []byte, r.cfg.OutboundQueue),
		gestures: make(map[uint32]*gestureState),
	}
	if r.cfg.RateLimitingEnabled && r.cfg.MaxMessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.cfg.MaxMessagesPerSecond), r.cfg.MaxMessagesPerSecond)
	}
	s.touch()
	return s
}

func (s *session) getState() sessionState { return sessionState(s.state.Load()) }
func (s *session) setState(st sessionState) { s.state.Store(int32(st)) }

func (s *session) touch() {
	s.lastActivityUS.Store(nowUS())
}

// run serves the session until disconnect. It owns the inbound loop; a
// second goroutine drains the outbound queue.
func (s *session) run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.teardown("connection closed")

	go s.writeLoop()
	go s.idleLoop()

	// Hailing: the first frame must be a HELLO, within the session timeout.
	helloCtx, cancelHello := context.WithTimeout(s.ctx, s.r.cfg.SessionTimeout)
	msg, _, ok := s.recvMessage(helloCtx)
	cancelHello()
	if !ok {
		return
	}
	hello, isHello := msg.(wire.Hello)
	if !isHello {
		s.sendError(wire.CodeInvalidMessage, "first message must be hello", "", nil)
		return
	}
	if !s.handleHello(hello) {
		return // error already sent; terminal
	}

	// Active: dispatch until the transport closes or the session drains.
	for s.getState() == stateActive {
		msg, qos, ok := s.recvMessage(s.ctx)
		if !ok {
			return
		}
		s.touch()
		if !s.admitInbound() {
			continue
		}
		s.dispatch(msg, qos)
	}
}

// recvMessage reads events until one whole decoded message is available.
// ok=false means the session is over (disconnect, cancellation, or a
// terminal protocol error, already reported).
func (s *session) recvMessage(ctx context.Context) (wire.Message, wire.QoS, bool) {
	for {
		ev, err := s.conn.Recv(ctx)
		if err != nil {
			return nil, 0, false
		}
		switch ev.Kind {
		case transport.EventConnected:
			continue
		case transport.EventDisconnected:
			return nil, 0, false
		case transport.EventError:
			s.r.log.Debug("transport error", "session", s.id, "err", ev.Err)
			continue
		case transport.EventData:
		}

		frame, rest, err := wire.DecodeFrame(ev.Data)
		if err != nil {
			if errors.Is(err, wire.ErrBadMagic) {
				// Unrecoverable: the stream cannot be resynchronized.
				s.sendError(wire.CodeInvalidFrame, "bad magic byte", "", nil)
				s.drain()
				return nil, 0, false
			}
			s.sendError(wire.CodeInvalidFrame, err.Error(), "", nil)
			if s.r.met != nil {
				s.r.met.DecodeErrors.Inc()
			}
			continue
		}
		if len(rest) != 0 {
			// Transports deliver exactly one frame per Data event.
			s.sendError(wire.CodeInvalidFrame, "trailing bytes after frame", "", nil)
			continue
		}
		msg, err := wire.Decode(frame.Payload)
		if err != nil {
			s.sendError(wire.CodeInvalidMessage, err.Error(), "", nil)
			if s.r.met != nil {
				s.r.met.DecodeErrors.Inc()
			}
			continue
		}
		if s.r.met != nil {
			s.r.met.MessagesIn.Inc()
		}
		return msg, frame.QoS, true
	}
}

// admitInbound applies the per-session rate limit. Excess messages drop; a
// sustained drop storm earns one ERROR 501 (service unavailable) per window.
func (s *session) admitInbound() bool {
	if s.limiter == nil || s.limiter.Allow() {
		return true
	}
	now := time.Now()
	if now.Sub(s.dropSince) > dropWindow {
		s.dropSince = now
		s.dropCount = 0
	}
	s.dropCount++
	if s.r.met != nil {
		s.r.met.MessagesDropped.Inc()
	}
	if s.dropCount >= dropErrorBudget && now.Sub(s.last503) > dropWindow {
		s.last503 = now
		s.sendError(wire.CodeServiceUnavailable, "rate limit exceeded", "", nil)
	}
	return false
}

// writeLoop drains the outbound queue to the transport. It exits when the
// session context ends; no bytes are written after close.
func (s *session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.Send(s.ctx, frame); err != nil {
				return
			}
			if s.r.met != nil {
				s.r.met.MessagesOut.Inc()
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// idleLoop enforces the idle timeout and drives keepalive pings.
func (s *session) idleLoop() {
	interval := s.r.cfg.SessionTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Duration(nowUS()-s.lastActivityUS.Load()) * time.Microsecond
			if idle > s.r.cfg.SessionTimeout {
				s.r.log.Info("session idle timeout", "session", s.id)
				s.drain()
				return
			}
			if idle > s.r.cfg.SessionTimeout/2 && s.getState() == stateActive {
				s.sendMsg(wire.Ping{Nonce: uint32(nowUS())}, wire.QoSFire)
			}
		}
	}
}

// enqueue places an encoded frame on the outbound queue. Fire frames drop
// when the queue is full; Confirm/Commit frames block up to the slow
// consumer grace, after which the session is closed as too slow.
func (s *session) enqueue(frame []byte, qos wire.QoS) bool {
	if s.getState() == stateClosed {
		return false
	}
	if qos == wire.QoSFire {
		select {
		case s.out <- frame:
			return true
		default:
			if s.r.met != nil {
				s.r.met.MessagesDropped.Inc()
			}
			return false
		}
	}
	select {
	case s.out <- frame:
		return true
	default:
	}
	timer := time.NewTimer(s.r.cfg.SlowConsumerGrace)
	defer timer.Stop()
	select {
	case s.out <- frame:
		return true
	case <-timer.C:
		s.r.log.Warn("slow consumer, closing", "session", s.id)
		s.sendError(wire.CodeServiceUnavailable, "outbound queue overflow", "", nil)
		s.drain()
		return false
	case <-s.ctx.Done():
		return false
	}
}

// sendMsg encodes and enqueues one message at the given QoS.
func (s *session) sendMsg(m wire.Message, qos wire.QoS) bool {
	payload, err := wire.Encode(m)
	if err != nil {
		s.r.log.Error("encode failed", "session", s.id, "type", m.Type(), "err", err)
		return false
	}
	frame := wire.Frame{QoS: qos, Encoding: wire.EncodingBinary, Payload: payload}
	raw, err := frame.Encode()
	if err != nil {
		s.r.log.Error("frame encode failed", "session", s.id, "err", err)
		return false
	}
	return s.enqueue(raw, qos)
}

// sendError emits one ERROR message. correlation may be nil.
func (s *session) sendError(code wire.Code, text, addr string, correlation *uint32) {
	e := wire.ErrorMsg{Code: code, Message: text, Address: addr}
	if correlation != nil {
		e.HasCorrelation = true
		e.Correlation = *correlation
	}
	if s.r.met != nil {
		s.r.met.ErrorsSent.Inc()
	}
	s.sendMsg(e, wire.QoSConfirm)
}

// sendSyncProbe emits an unsolicited SYNC carrying the server send time in
// T1; the client answers with SYNC_RESPONSE.
func (s *session) sendSyncProbe() {
	if s.getState() != stateActive {
		return
	}
	s.sendMsg(wire.Sync{T1: nowUS()}, wire.QoSFire)
}

// drain transitions to Draining: no further inbound is processed and the
// outbound queue is flushed on a bounded deadline before close.
func (s *session) drain() {
	if !s.state.CompareAndSwap(int32(stateActive), int32(stateDraining)) {
		// Pre-active sessions drain the same way; one already draining or
		// closed is left alone.
		if s.getState() == stateClosed || s.getState() == stateDraining {
			return
		}
		s.setState(stateDraining)
	}
	go func() {
		deadline := time.NewTimer(2 * time.Second)
		defer deadline.Stop()
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-deadline.C:
				s.close()
				return
			case <-tick.C:
				if len(s.out) == 0 {
					// Give the writer a beat to flush the in-flight frame.
					time.Sleep(20 * time.Millisecond)
					s.close()
					return
				}
			case <-s.ctx.Done():
				s.close()
				return
			}
		}
	}()
}

func (s *session) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	s.setState(stateClosed)
	if s.cancel != nil {
		s.cancel()
	}
	s.conn.Close()
}

// awaitFlush gives the writer a bounded window to drain queued frames (a
// terminal ERROR must reach the peer before the transport closes).
func (s *session) awaitFlush(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(s.out) == 0 {
			time.Sleep(5 * time.Millisecond)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// teardown runs once when the session goroutine exits: releases locks,
// subscriptions, gesture holdbacks, and pending bundles.
func (s *session) teardown(reason string) {
	s.awaitFlush(500 * time.Millisecond)
	s.close()
	s.flushGestures()
	s.r.unregisterSession(s)
	s.r.log.Info("session closed", "session", s.id, "subject", s.subject, "reason", reason)
}
