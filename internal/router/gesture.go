package router

import (
	"sync"
	"time"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/wire"
)

// gestureState coalesces Move publishes for one (session, gesture_id): the
// first Move in an interval is delivered immediately, later ones are held
// and at most one flushes when the interval timer fires.
type gestureState struct {
	mu          sync.Mutex
	r           *Router
	interval    time.Duration
	timer       *time.Timer
	timerActive bool
	heldAddr    address.Address
	held        *wire.Publish
}

// coalesceMove runs on the session goroutine for every gesture Move.
func (s *session) coalesceMove(addr address.Address, m wire.Publish) {
	st := s.gestures[m.GestureID]
	if st == nil {
		st = &gestureState{r: s.r, interval: s.r.cfg.GestureCoalesceInterval}
		s.gestures[m.GestureID] = st
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.timerActive {
		st.timerActive = true
		st.r.fanoutSignal(addr, m, wire.QoSFire)
		st.timer = time.AfterFunc(st.interval, st.fire)
		return
	}
	st.heldAddr = addr
	st.held = &m
}

// fire delivers a held Move when the interval elapses, re-arming while
// moves keep coming.
func (st *gestureState) fire() {
	st.mu.Lock()
	if st.held == nil {
		st.timerActive = false
		st.mu.Unlock()
		return
	}
	addr, m := st.heldAddr, *st.held
	st.held = nil
	st.timer.Reset(st.interval)
	st.mu.Unlock()
	st.r.fanoutSignal(addr, m, wire.QoSFire)
}

// flushGesture delivers any held Move and drops the holdback state. Called
// for Start/End/Cancel, which are never coalesced.
func (s *session) flushGesture(id uint32) {
	st, ok := s.gestures[id]
	if !ok {
		return
	}
	delete(s.gestures, id)

	st.mu.Lock()
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerActive = false
	addr, held := st.heldAddr, st.held
	st.held = nil
	st.mu.Unlock()
	if held != nil {
		s.r.fanoutSignal(addr, *held, wire.QoSFire)
	}
}

// flushGestures releases all holdback state on session close. Held moves
// are discarded: the gesture stream ends with the session.
func (s *session) flushGestures() {
	for id, st := range s.gestures {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.held = nil
		st.timerActive = false
		st.mu.Unlock()
		delete(s.gestures, id)
	}
}
