package router

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/store"
	"github.com/lumencanvas/clasp/internal/wire"
)

// handleBundle validates and applies (or schedules) one bundle.
func (s *session) handleBundle(m wire.Bundle, qos wire.QoS) {
	if qos < wire.QoSCommit {
		s.sendError(wire.CodeInvalidMessage, "bundle requires commit qos", "", nil)
		return
	}
	msgs, err := m.DecodeInner()
	if err != nil {
		s.sendError(wire.CodeInvalidMessage, err.Error(), "", nil)
		return
	}
	if m.HasScheduledAt && m.ScheduledAtUS > nowUS() {
		s.r.sched.schedule(s.id, m.ScheduledAtUS, msgs)
		return // the single ACK is emitted when the bundle applies
	}
	s.r.applyBundle(s, msgs)
}

// bundleFailure is one rejected inner message during validation.
type bundleFailure struct {
	code wire.Code
	text string
	addr string
}

// applyBundle applies every inner message atomically: validation of all
// inners first, then application under the exclusive side of applyMu so no
// other write interleaves. Any validation failure rejects the whole bundle
// with a single ERROR and no mutation.
func (r *Router) applyBundle(s *session, msgs []wire.Message) {
	r.applyMu.Lock()
	fail := r.validateBundle(s, msgs)
	if fail != nil {
		r.applyMu.Unlock()
		s.sendError(fail.code, fail.text, fail.addr, nil)
		return
	}

	// Application cannot fail past validation; fan-out is deferred until
	// the lock drops so a slow subscriber cannot stall the critical section.
	type paramOut struct {
		addr     address.Address
		val      wire.Set
		revision uint64
	}
	var paramOuts []paramOut
	var signalOuts []wire.Publish

	for _, msg := range msgs {
		switch t := msg.(type) {
		case wire.Set:
			addr := address.MustParse(t.Address)
			lockOp := store.LockNone
			switch {
			case t.LockRequest:
				lockOp = store.LockAcquire
			case t.UnlockRequest:
				lockOp = store.LockRelease
			}
			res := r.state.Set(addr, t.Value, s.id, nowUS(), nil, lockOp)
			if res.Status != store.SetAccepted {
				// Validation admitted this write; reaching here is a bug.
				r.log.Error("bundle apply diverged from validation", "address", t.Address, "status", res.Status)
				continue
			}
			paramOuts = append(paramOuts, paramOut{addr: addr, val: t, revision: res.NewRevision})
		case wire.Publish:
			signalOuts = append(signalOuts, t)
		}
	}
	r.applyMu.Unlock()

	for _, out := range paramOuts {
		r.fanoutParam(out.addr, out.val.Value, out.revision, s.id)
	}
	for _, m := range signalOuts {
		addr := address.MustParse(m.Address)
		r.fanoutSignal(addr, m, m.SignalType.DefaultQoS())
	}
	s.sendMsg(wire.Ack{}, wire.QoSCommit)
}

// validateBundle vets every inner message without mutating anything.
// Expected revisions are checked against a simulation of the bundle's own
// writes so a bundle may set the same address twice.
func (r *Router) validateBundle(s *session, msgs []wire.Message) *bundleFailure {
	simRev := make(map[string]uint64)
	for _, msg := range msgs {
		switch t := msg.(type) {
		case wire.Set:
			addr, err := address.Parse(t.Address)
			if err != nil {
				return &bundleFailure{wire.CodeInvalidAddress, err.Error(), t.Address}
			}
			if !s.scopes.AllowsWrite(addr) {
				return &bundleFailure{wire.CodeForbidden, "write scope required", t.Address}
			}
			if err := r.rules.Check(addr, t.Value, s.subject, r.stateLookup); err != nil {
				return &bundleFailure{wire.CodeInvalidValue, err.Error(), t.Address}
			}
			if err := r.state.Validate(addr, t.Value, s.id); err != nil {
				return &bundleFailure{wire.CodeInvalidValue, err.Error(), t.Address}
			}
			cur, known := simRev[t.Address]
			if !known {
				if rec, ok := r.state.Get(addr); ok {
					if rec.LockHolder != "" && rec.LockHolder != s.id {
						return &bundleFailure{wire.CodeLockHeld, "locked by " + rec.LockHolder, t.Address}
					}
					cur = rec.Revision
				}
			}
			if t.HasRevision && t.Revision != cur {
				return &bundleFailure{wire.CodeRevisionConflict,
					fmt.Sprintf("expected revision %d, current %d", t.Revision, cur), t.Address}
			}
			simRev[t.Address] = cur + 1
		case wire.Publish:
			if t.SignalType == wire.SignalParam {
				return &bundleFailure{wire.CodeInvalidMessage, "param updates go through set", t.Address}
			}
			addr, err := address.Parse(t.Address)
			if err != nil {
				return &bundleFailure{wire.CodeInvalidAddress, err.Error(), t.Address}
			}
			if !s.scopes.AllowsWrite(addr) {
				return &bundleFailure{wire.CodeForbidden, "write scope required", t.Address}
			}
		default:
			return &bundleFailure{wire.CodeInvalidMessage,
				fmt.Sprintf("%s not allowed in a bundle", msg.Type()), ""}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// scheduledBundle is one queued bundle awaiting its server time.
type scheduledBundle struct {
	atUS    int64
	seq     uint64 // FIFO tiebreak for equal timestamps
	session string
	msgs    []wire.Message
}

type bundleHeap []*scheduledBundle

func (h bundleHeap) Len() int { return len(h) }
func (h bundleHeap) Less(i, j int) bool {
	if h[i].atUS != h[j].atUS {
		return h[i].atUS < h[j].atUS
	}
	return h[i].seq < h[j].seq
}
func (h bundleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *bundleHeap) Push(x any)        { *h = append(*h, x.(*scheduledBundle)) }
func (h *bundleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// scheduler drains due bundles in timestamp order on its own goroutine.
type scheduler struct {
	r    *Router
	mu   sync.Mutex
	h    bundleHeap
	seq  uint64
	wake chan struct{}
}

func newScheduler(r *Router) *scheduler {
	return &scheduler{r: r, wake: make(chan struct{}, 1)}
}

func (sc *scheduler) schedule(session string, atUS int64, msgs []wire.Message) {
	sc.mu.Lock()
	sc.seq++
	heap.Push(&sc.h, &scheduledBundle{atUS: atUS, seq: sc.seq, session: session, msgs: msgs})
	sc.mu.Unlock()
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// purgeSession drops every pending bundle originated by session.
func (sc *scheduler) purgeSession(session string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	kept := sc.h[:0]
	for _, b := range sc.h {
		if b.session != session {
			kept = append(kept, b)
		}
	}
	sc.h = kept
	heap.Init(&sc.h)
}

// run dispatches due bundles until ctx ends. Granularity is the timer
// resolution; due bundles apply in (timestamp, enqueue) order.
func (sc *scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		sc.mu.Lock()
		var wait time.Duration = time.Hour
		if len(sc.h) > 0 {
			wait = time.Duration(sc.h[0].atUS-nowUS()) * time.Microsecond
			if wait < 0 {
				wait = 0
			}
		}
		sc.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-sc.wake:
		case <-timer.C:
			sc.dispatchDue()
		}
	}
}

func (sc *scheduler) dispatchDue() {
	for {
		sc.mu.Lock()
		if len(sc.h) == 0 || sc.h[0].atUS > nowUS() {
			sc.mu.Unlock()
			return
		}
		b := heap.Pop(&sc.h).(*scheduledBundle)
		sc.mu.Unlock()

		s, ok := sc.r.session(b.session)
		if !ok {
			continue // originating session is gone; its bundles die with it
		}
		sc.r.applyBundle(s, b.msgs)
	}
}
