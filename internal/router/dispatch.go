package router

import (
	"errors"
	"fmt"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/auth"
	"github.com/lumencanvas/clasp/internal/store"
	"github.com/lumencanvas/clasp/internal/subs"
	"github.com/lumencanvas/clasp/internal/value"
	"github.com/lumencanvas/clasp/internal/wire"
)

// snapshotChunk bounds entries per SNAPSHOT message, well under the u16 cap,
// so one chunk never approaches the frame payload limit.
const snapshotChunk = 1000

// handleHello authenticates and registers the session. Returns false on a
// terminal failure (error already sent, session draining).
func (s *session) handleHello(h wire.Hello) bool {
	s.setState(stateAuthenticating)

	if h.Version != wire.ProtocolVersion {
		s.sendError(wire.CodeUnsupportedVersion,
			fmt.Sprintf("protocol version %d unsupported", h.Version), "", nil)
		s.drain()
		return false
	}

	switch s.r.cfg.SecurityMode {
	case Open:
		s.subject = "anonymous"
		if h.ClientName != "" {
			s.subject = h.ClientName
		}
		s.scopes = auth.ScopeSet{auth.MustParseScope("admin:/**")}
	case Authenticated:
		if s.r.chain == nil {
			s.sendError(wire.CodeUnauthorized, "no validators configured", "", nil)
			s.drain()
			return false
		}
		res, err := s.r.chain.Validate(h.Token)
		if err != nil {
			code := wire.CodeUnauthorized
			if errors.Is(err, auth.ErrExpired) {
				code = wire.CodeTokenExpired
			}
			s.sendError(code, err.Error(), "", nil)
			s.drain()
			return false
		}
		s.subject = res.Subject
		s.scopes = res.Scopes
	}

	if !s.r.registerSession(s) {
		s.sendError(wire.CodeServiceUnavailable, "session limit reached", "", nil)
		s.drain()
		return false
	}

	s.setState(stateActive)
	s.sendMsg(wire.Welcome{
		Version:      wire.ProtocolVersion,
		Features:     h.Features & serverFeatures,
		SessionID:    s.id,
		ServerName:   s.r.cfg.Name,
		ServerTimeUS: nowUS(),
	}, wire.QoSConfirm)
	s.r.log.Info("session open", "session", s.id, "subject", s.subject, "client", h.ClientName)
	return true
}

// dispatch services one decoded message in the Active state.
func (s *session) dispatch(msg wire.Message, qos wire.QoS) {
	switch m := msg.(type) {
	case wire.Ping:
		s.sendMsg(wire.Pong{Nonce: m.Nonce}, wire.QoSFire)
	case wire.Pong:
		// Activity already recorded by the read loop.
	case wire.Sync:
		// Client-initiated exchange: stamp receive and send times.
		t2 := nowUS()
		s.sendMsg(wire.SyncResponse{T1: m.T1, T2: t2, T3: nowUS()}, wire.QoSFire)
	case wire.SyncResponse:
		// Completion of a server-driven probe: fold into this session's
		// clock estimate. t4 is our arrival time.
		s.clock.ProcessSync(m.T1, m.T2, m.T3, nowUS())
	case wire.Set:
		s.handleSet(m, qos)
	case wire.Publish:
		s.handlePublish(m, qos)
	case wire.Subscribe:
		s.handleSubscribe(m)
	case wire.Unsubscribe:
		s.handleUnsubscribe(m)
	case wire.Get:
		s.handleGet(m)
	case wire.Delete:
		s.handleDelete(m)
	case wire.Lock:
		s.handleLock(m)
	case wire.Unlock:
		s.handleUnlock(m)
	case wire.Bundle:
		s.handleBundle(m, qos)
	case wire.Ack:
		// Client-side acknowledgement; nothing to do server-side.
	case wire.ErrorMsg:
		s.r.log.Warn("client error", "session", s.id, "code", uint16(m.Code), "msg", m.Message)
	default:
		s.sendError(wire.CodeInvalidMessage,
			fmt.Sprintf("unexpected %s from client", msg.Type()), "", nil)
	}
}

func (s *session) handleSet(m wire.Set, qos wire.QoS) {
	var corr *uint32
	if m.HasCorrelation {
		corr = &m.Correlation
	}
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, corr)
		return
	}
	if !s.scopes.AllowsWrite(addr) {
		s.sendError(wire.CodeForbidden, "write scope required", m.Address, corr)
		return
	}
	if err := s.r.rules.Check(addr, m.Value, s.subject, s.r.stateLookup); err != nil {
		s.sendError(wire.CodeInvalidValue, err.Error(), m.Address, corr)
		return
	}

	var expected *uint64
	if m.HasRevision {
		expected = &m.Revision
	}
	lockOp := store.LockNone
	switch {
	case m.LockRequest:
		lockOp = store.LockAcquire
	case m.UnlockRequest:
		lockOp = store.LockRelease
	}

	s.r.applyMu.RLock()
	res := s.r.state.Set(addr, m.Value, s.id, nowUS(), expected, lockOp)
	s.r.applyMu.RUnlock()

	switch res.Status {
	case store.SetAccepted:
		s.r.fanoutParam(addr, m.Value, res.NewRevision, s.id)
		if qos != wire.QoSFire {
			ack := wire.Ack{Address: m.Address, HasRevision: true, Revision: res.NewRevision}
			if corr != nil {
				ack.Correlation = *corr
			}
			if m.LockRequest || m.UnlockRequest {
				ack.HasLock = true
				ack.Locked = m.LockRequest
				ack.Holder = s.id
			}
			s.sendMsg(ack, wire.QoSConfirm)
		}
	case store.SetRevisionConflict:
		s.sendError(wire.CodeRevisionConflict,
			fmt.Sprintf("expected revision %d, current %d", m.Revision, res.CurRevision), m.Address, corr)
	case store.SetLockHeld:
		s.sendError(wire.CodeLockHeld, "locked by "+res.Holder, m.Address, corr)
	case store.SetInvalidValue:
		s.sendError(wire.CodeInvalidValue, res.Err.Error(), m.Address, corr)
	}
}

func (s *session) handlePublish(m wire.Publish, qos wire.QoS) {
	if m.SignalType == wire.SignalParam {
		s.sendError(wire.CodeInvalidMessage, "param updates go through set", m.Address, nil)
		return
	}
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, nil)
		return
	}
	if !s.scopes.AllowsWrite(addr) {
		s.sendError(wire.CodeForbidden, "write scope required", m.Address, nil)
		return
	}

	if m.SignalType == wire.SignalGesture && m.HasGestureID &&
		s.r.cfg.GestureCoalescing && m.Phase == wire.GestureMove {
		s.coalesceMove(addr, m)
	} else {
		if m.SignalType == wire.SignalGesture && m.HasGestureID && m.Phase != wire.GestureMove {
			// Start/End/Cancel flush any held Move and are never coalesced.
			s.flushGesture(m.GestureID)
		}
		s.r.fanoutSignal(addr, m, qos)
	}

	if qos >= wire.QoSConfirm {
		s.sendMsg(wire.Ack{Address: m.Address}, wire.QoSConfirm)
	}
}

func (s *session) handleSubscribe(m wire.Subscribe) {
	corr := m.ID
	pattern, err := address.ParsePattern(m.Pattern)
	if err != nil {
		s.sendError(wire.CodePatternError, err.Error(), m.Pattern, &corr)
		return
	}
	if !s.scopes.AllowsReadPattern(pattern) {
		s.sendError(wire.CodeForbidden, "read scope required", m.Pattern, &corr)
		return
	}
	if limit := s.r.cfg.MaxSubscriptionsPerSession; limit > 0 && s.r.index.SessionCount(s.id) >= limit {
		s.sendError(wire.CodeServiceUnavailable, "subscription limit reached", m.Pattern, &corr)
		return
	}

	opts := subs.Options{
		HasMaxRate: m.HasMaxRate, MaxRate: m.MaxRate,
		HasEpsilon: m.HasEpsilon, Epsilon: m.Epsilon,
		History: m.History, WindowS: m.WindowS,
	}
	s.r.index.Add(s.id, m.ID, pattern, m.TypeMask, opts)

	// Snapshot before ACK: every currently stored param that matches, is
	// visible, and is type-compatible, delivered exactly once.
	if m.TypeMask&wire.SignalParam.Mask() != 0 {
		vis, red := s.r.snapshotPolicies()
		entries := s.r.state.Snapshot(pattern, s.id, vis, red)
		for start := 0; start < len(entries); start += snapshotChunk {
			end := start + snapshotChunk
			if end > len(entries) {
				end = len(entries)
			}
			chunk := wire.Snapshot{Entries: make([]wire.SnapshotEntry, 0, end-start)}
			for _, e := range entries[start:end] {
				chunk.Entries = append(chunk.Entries, wire.SnapshotEntry{
					Address:      e.Address,
					Value:        e.Record.Value,
					Revision:     e.Record.Revision,
					HasWriter:    e.Record.Writer != "",
					Writer:       e.Record.Writer,
					HasTimestamp: true,
					TimestampUS:  e.Record.TimestampUS,
				})
			}
			s.sendMsg(chunk, wire.QoSConfirm)
		}
	}

	s.sendMsg(wire.Ack{Correlation: m.ID}, wire.QoSConfirm)
}

func (s *session) handleUnsubscribe(m wire.Unsubscribe) {
	corr := m.ID
	if !s.r.index.Remove(s.id, m.ID) {
		s.sendError(wire.CodeAddressNotFound, "no such subscription", "", &corr)
		return
	}
	s.sendMsg(wire.Ack{Correlation: m.ID}, wire.QoSConfirm)
}

func (s *session) handleGet(m wire.Get) {
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, nil)
		return
	}
	if !s.scopes.AllowsRead(addr) {
		s.sendError(wire.CodeForbidden, "read scope required", m.Address, nil)
		return
	}
	rec, ok := s.r.state.Get(addr)
	resp := wire.GetResponse{Address: m.Address, Found: ok}
	if ok {
		resp.Value = rec.Value
		resp.Revision = rec.Revision
		resp.TimestampUS = rec.TimestampUS
		resp.HasWriter = rec.Writer != ""
		resp.Writer = rec.Writer
	}
	s.sendMsg(resp, wire.QoSConfirm)
}

func (s *session) handleDelete(m wire.Delete) {
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, nil)
		return
	}
	if !s.scopes.AllowsWrite(addr) {
		s.sendError(wire.CodeForbidden, "write scope required", m.Address, nil)
		return
	}
	res := s.r.state.Delete(addr, s.id)
	switch res.Status {
	case store.SetAccepted:
		s.r.notifyRemoval(addr)
		s.sendMsg(wire.Ack{Address: m.Address}, wire.QoSConfirm)
	case store.SetLockHeld:
		s.sendError(wire.CodeLockHeld, "locked by "+res.Holder, m.Address, nil)
	default:
		s.sendError(wire.CodeInternalError, "delete failed", m.Address, nil)
	}
}

func (s *session) handleLock(m wire.Lock) {
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, nil)
		return
	}
	if !s.scopes.AllowsWrite(addr) {
		s.sendError(wire.CodeForbidden, "write scope required", m.Address, nil)
		return
	}
	res := s.r.state.Lock(addr, s.id)
	switch res.Status {
	case store.SetAccepted:
		s.sendMsg(wire.Ack{Address: m.Address, HasLock: true, Locked: true, Holder: s.id}, wire.QoSConfirm)
	case store.SetLockHeld:
		s.sendError(wire.CodeLockHeld, "locked by "+res.Holder, m.Address, nil)
	default:
		s.sendError(wire.CodeAddressNotFound, "no such param", m.Address, nil)
	}
}

func (s *session) handleUnlock(m wire.Unlock) {
	addr, err := address.Parse(m.Address)
	if err != nil {
		s.sendError(wire.CodeInvalidAddress, err.Error(), m.Address, nil)
		return
	}
	if !s.scopes.AllowsWrite(addr) {
		s.sendError(wire.CodeForbidden, "write scope required", m.Address, nil)
		return
	}
	res := s.r.state.Unlock(addr, s.id)
	switch res.Status {
	case store.SetAccepted:
		s.sendMsg(wire.Ack{Address: m.Address, HasLock: true, Locked: false}, wire.QoSConfirm)
		s.r.notifyLockRelease(m.Address)
	case store.SetLockHeld:
		s.sendError(wire.CodeLockHeld, "locked by "+res.Holder, m.Address, nil)
	default:
		s.sendError(wire.CodeAddressNotFound, "no such param", m.Address, nil)
	}
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// stateLookup adapts the store for write-rule state checks.
func (r *Router) stateLookup(addrStr string) (value.Value, bool) {
	addr, err := address.Parse(addrStr)
	if err != nil {
		return value.Value{}, false
	}
	rec, ok := r.state.Get(addr)
	if !ok {
		return value.Value{}, false
	}
	return rec.Value, true
}

// fanoutParam delivers an accepted param write to every matching
// subscription as a single-entry SNAPSHOT so subscribers see the revision.
func (r *Router) fanoutParam(addr address.Address, v value.Value, revision uint64, writer string) {
	matches := r.index.Match(addr, wire.SignalParam)
	if len(matches) == 0 {
		return
	}
	msg := wire.Snapshot{Entries: []wire.SnapshotEntry{{
		Address:      addr.String(),
		Value:        v,
		Revision:     revision,
		HasWriter:    writer != "",
		Writer:       writer,
		HasTimestamp: true,
		TimestampUS:  nowUS(),
	}}}
	frame := r.encodeFrame(msg, wire.QoSConfirm)
	if frame == nil {
		return
	}
	for _, sub := range matches {
		target, ok := r.session(sub.Session)
		if !ok {
			continue
		}
		if !sub.Admit(addr.String(), v) {
			continue
		}
		target.enqueue(frame, wire.QoSConfirm)
	}
}

// fanoutSignal delivers an ephemeral publish to matching subscriptions at
// the sender's QoS.
func (r *Router) fanoutSignal(addr address.Address, m wire.Publish, qos wire.QoS) {
	matches := r.index.Match(addr, m.SignalType)
	if len(matches) == 0 {
		return
	}
	frame := r.encodeFrame(m, qos)
	if frame == nil {
		return
	}
	gate := value.Null()
	if m.Value != nil {
		gate = *m.Value
	}
	for _, sub := range matches {
		target, ok := r.session(sub.Session)
		if !ok {
			continue
		}
		if !sub.Admit(addr.String(), gate) {
			continue
		}
		target.enqueue(frame, qos)
	}
}

// notifyRemoval tells param subscribers an address is gone: a PUBLISH with
// no value at the address.
func (r *Router) notifyRemoval(addr address.Address) {
	matches := r.index.Match(addr, wire.SignalParam)
	if len(matches) == 0 {
		return
	}
	msg := wire.Publish{SignalType: wire.SignalParam, Address: addr.String(),
		HasTimestamp: true, TimestampUS: nowUS()}
	frame := r.encodeFrame(msg, wire.QoSConfirm)
	if frame == nil {
		return
	}
	for _, sub := range matches {
		if target, ok := r.session(sub.Session); ok {
			target.enqueue(frame, wire.QoSConfirm)
		}
	}
}

// notifyExpiry reports a TTL-expired param; expiry is a delete for
// snapshot purposes.
func (r *Router) notifyExpiry(addrStr string) {
	addr, err := address.Parse(addrStr)
	if err != nil {
		return
	}
	r.notifyRemoval(addr)
}

// notifyLockRelease refreshes the current record to subscribers after a
// lock release so visibility changes propagate.
func (r *Router) notifyLockRelease(addrStr string) {
	addr, err := address.Parse(addrStr)
	if err != nil {
		return
	}
	rec, ok := r.state.Get(addr)
	if !ok {
		return
	}
	r.fanoutParam(addr, rec.Value, rec.Revision, rec.Writer)
}

// encodeFrame encodes one message into a complete frame, shared across a
// fan-out.
func (r *Router) encodeFrame(m wire.Message, qos wire.QoS) []byte {
	payload, err := wire.Encode(m)
	if err != nil {
		r.log.Error("fanout encode failed", "type", m.Type(), "err", err)
		return nil
	}
	raw, err := (wire.Frame{QoS: qos, Encoding: wire.EncodingBinary, Payload: payload}).Encode()
	if err != nil {
		r.log.Error("fanout frame encode failed", "err", err)
		return nil
	}
	return raw
}
