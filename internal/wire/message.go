// Package wire implements the CLASP frame and message codec: self-delimiting
// binary frames, the binary v1 message encoding, and the legacy map-keyed
// MessagePack encoding. Decoders accept both; encoders emit binary v1.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/lumencanvas/clasp/internal/value"
)

// Type identifies a message within a frame payload (binary v1).
type Type uint8

// Message type codes. Wire constants; never renumber.
const (
	TypeHello        Type = 0x01
	TypeWelcome      Type = 0x02
	TypePing         Type = 0x03
	TypePong         Type = 0x04
	TypeSync         Type = 0x05
	TypeSyncResponse Type = 0x06

	TypePublish     Type = 0x20
	TypeSet         Type = 0x21
	TypeGet         Type = 0x22
	TypeGetResponse Type = 0x23
	TypeDelete      Type = 0x24
	TypeLock        Type = 0x25
	TypeUnlock      Type = 0x26

	TypeSubscribe   Type = 0x30
	TypeUnsubscribe Type = 0x31
	TypeSnapshot    Type = 0x32

	TypeBundle Type = 0x40

	TypeAck   Type = 0x50
	TypeError Type = 0x51
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeSync:
		return "sync"
	case TypeSyncResponse:
		return "sync_response"
	case TypePublish:
		return "publish"
	case TypeSet:
		return "set"
	case TypeGet:
		return "get"
	case TypeGetResponse:
		return "get_response"
	case TypeDelete:
		return "delete"
	case TypeLock:
		return "lock"
	case TypeUnlock:
		return "unlock"
	case TypeSubscribe:
		return "subscribe"
	case TypeUnsubscribe:
		return "unsubscribe"
	case TypeSnapshot:
		return "snapshot"
	case TypeBundle:
		return "bundle"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("type(0x%02x)", uint8(t))
}

// SignalType classifies a published signal.
type SignalType uint8

const (
	SignalParam    SignalType = 0
	SignalEvent    SignalType = 1
	SignalStream   SignalType = 2
	SignalGesture  SignalType = 3
	SignalTimeline SignalType = 4
)

func (s SignalType) String() string {
	switch s {
	case SignalParam:
		return "param"
	case SignalEvent:
		return "event"
	case SignalStream:
		return "stream"
	case SignalGesture:
		return "gesture"
	case SignalTimeline:
		return "timeline"
	}
	return "signal?"
}

// Mask returns the type-mask bit for this signal type.
func (s SignalType) Mask() uint8 { return 1 << uint8(s) }

// MaskAll matches every signal type in a subscription type mask.
const MaskAll uint8 = 0x1F

// DefaultQoS returns the default delivery guarantee for a signal type.
func (s SignalType) DefaultQoS() QoS {
	switch s {
	case SignalStream, SignalGesture:
		return QoSFire
	case SignalTimeline:
		return QoSCommit
	}
	return QoSConfirm
}

// GesturePhase tracks the lifecycle of a gesture stream.
type GesturePhase uint8

const (
	GestureStart  GesturePhase = 0
	GestureMove   GesturePhase = 1
	GestureEnd    GesturePhase = 2
	GestureCancel GesturePhase = 3
)

func (g GesturePhase) String() string {
	switch g {
	case GestureStart:
		return "start"
	case GestureMove:
		return "move"
	case GestureEnd:
		return "end"
	case GestureCancel:
		return "cancel"
	}
	return "phase?"
}

// ProtocolVersion is the supported protocol version carried in HELLO/WELCOME.
const ProtocolVersion uint8 = 1

// Message is one decoded CLASP message.
type Message interface {
	Type() Type
}

// ---------------------------------------------------------------------------
// Message structs
// ---------------------------------------------------------------------------

// Hello opens a session: version negotiation plus the auth token.
type Hello struct {
	Version    uint8
	Features   uint8
	ClientName string
	Token      string
}

func (Hello) Type() Type { return TypeHello }

// Welcome accepts a session and reports the server-assigned identity.
type Welcome struct {
	Version      uint8
	Features     uint8
	SessionID    string
	ServerName   string
	ServerTimeUS int64
}

func (Welcome) Type() Type { return TypeWelcome }

// Ping requests an immediate Pong echoing the nonce.
type Ping struct{ Nonce uint32 }

func (Ping) Type() Type { return TypePing }

// Pong answers a Ping.
type Pong struct{ Nonce uint32 }

func (Pong) Type() Type { return TypePong }

// Sync carries the four clock-sync timestamps (microseconds). The sender
// fills the timestamps it knows and zeroes the rest.
type Sync struct{ T1, T2, T3, T4 int64 }

func (Sync) Type() Type { return TypeSync }

// SyncResponse completes a Sync exchange.
type SyncResponse struct{ T1, T2, T3, T4 int64 }

func (SyncResponse) Type() Type { return TypeSyncResponse }

// Set writes a param value, optionally conditioned on an expected revision
// and optionally acquiring or releasing the address lock in the same step.
type Set struct {
	Address        string
	Value          value.Value
	HasRevision    bool
	Revision       uint64 // expected revision when HasRevision
	LockRequest    bool
	UnlockRequest  bool
	HasCorrelation bool
	Correlation    uint32
}

func (Set) Type() Type { return TypeSet }

// Publish emits an ephemeral signal (event/stream/gesture/timeline) or a
// param update during fan-out. Value carries a single value; Samples carries
// a stream sample block with its rate.
type Publish struct {
	SignalType   SignalType
	Address      string
	Value        *value.Value
	Samples      []float64
	Rate         uint32 // samples per second; meaningful with Samples
	HasTimestamp bool
	TimestampUS  int64
	HasGestureID bool
	GestureID    uint32
	Phase        GesturePhase
}

func (Publish) Type() Type { return TypePublish }

// Subscribe registers a pattern subscription with delivery options.
type Subscribe struct {
	ID       uint32
	Pattern  string
	TypeMask uint8

	HasMaxRate bool
	MaxRate    uint16 // updates per second

	HasEpsilon bool
	Epsilon    float64 // minimum numeric delta to trigger delivery

	HasHistory bool
	History    uint16 // initial replay count (journal collaborator)

	HasWindow bool
	WindowS   uint32 // replay window seconds (journal collaborator)
}

func (Subscribe) Type() Type { return TypeSubscribe }

// Unsubscribe removes a subscription by id.
type Unsubscribe struct{ ID uint32 }

func (Unsubscribe) Type() Type { return TypeUnsubscribe }

// Get reads one param.
type Get struct{ Address string }

func (Get) Type() Type { return TypeGet }

// GetResponse answers a Get. Found=false carries no record fields.
type GetResponse struct {
	Address     string
	Found       bool
	Value       value.Value
	Revision    uint64
	TimestampUS int64
	HasWriter   bool
	Writer      string
}

func (GetResponse) Type() Type { return TypeGetResponse }

// Delete removes one param.
type Delete struct{ Address string }

func (Delete) Type() Type { return TypeDelete }

// Lock acquires the exclusive write lock on an address.
type Lock struct{ Address string }

func (Lock) Type() Type { return TypeLock }

// Unlock releases the exclusive write lock on an address.
type Unlock struct{ Address string }

func (Unlock) Type() Type { return TypeUnlock }

// SnapshotEntry is one param record inside a Snapshot.
type SnapshotEntry struct {
	Address      string
	Value        value.Value
	Revision     uint64
	HasWriter    bool
	Writer       string
	HasTimestamp bool
	TimestampUS  int64
}

// Snapshot delivers the current state of every param matched by a new
// subscription. Large snapshots are split across multiple messages.
type Snapshot struct {
	Entries []SnapshotEntry
}

func (Snapshot) Type() Type { return TypeSnapshot }

// Bundle is an atomic ordered group of inner messages, optionally scheduled
// for a future synchronized server time. Inner payloads are message
// encodings without a frame header.
type Bundle struct {
	HasScheduledAt bool
	ScheduledAtUS  int64
	Inner          [][]byte
}

func (Bundle) Type() Type { return TypeBundle }

// DecodeInner decodes every inner message. Bundles nested inside a bundle
// are rejected.
func (b Bundle) DecodeInner() ([]Message, error) {
	msgs := make([]Message, 0, len(b.Inner))
	for i, raw := range b.Inner {
		m, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("inner message %d: %w", i, err)
		}
		if m.Type() == TypeBundle {
			return nil, fmt.Errorf("%w: nested bundle", ErrInvalidMessage)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Ack confirms a Confirm/Commit message. Optional fields describe the
// resulting param state.
type Ack struct {
	Correlation uint32
	Address     string // empty = absent
	HasRevision bool
	Revision    uint64
	HasLock     bool
	Locked      bool
	Holder      string // meaningful with HasLock
}

func (Ack) Type() Type { return TypeAck }

// ErrorMsg reports a per-message or terminal failure.
type ErrorMsg struct {
	Code           Code
	Message        string
	Address        string // empty = absent
	HasCorrelation bool
	Correlation    uint32
}

func (ErrorMsg) Type() Type { return TypeError }

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > MaxPayload {
		return nil, fmt.Errorf("%w: string %d bytes", ErrInvalidMessage, len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendValue(buf []byte, v value.Value) ([]byte, error) {
	out, err := v.AppendTo(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out, nil
}

// Encode returns the binary v1 payload for m (type code byte included).
func Encode(m Message) ([]byte, error) {
	buf := []byte{byte(m.Type())}
	var err error
	switch t := m.(type) {
	case Hello:
		buf = append(buf, t.Version, t.Features)
		if buf, err = appendString(buf, t.ClientName); err != nil {
			return nil, err
		}
		return appendString(buf, t.Token)

	case Welcome:
		buf = append(buf, t.Version, t.Features)
		if buf, err = appendString(buf, t.SessionID); err != nil {
			return nil, err
		}
		if buf, err = appendString(buf, t.ServerName); err != nil {
			return nil, err
		}
		return binary.BigEndian.AppendUint64(buf, uint64(t.ServerTimeUS)), nil

	case Ping:
		return binary.BigEndian.AppendUint32(buf, t.Nonce), nil

	case Pong:
		return binary.BigEndian.AppendUint32(buf, t.Nonce), nil

	case Sync:
		return appendSyncTimes(buf, t.T1, t.T2, t.T3, t.T4), nil

	case SyncResponse:
		return appendSyncTimes(buf, t.T1, t.T2, t.T3, t.T4), nil

	case Set:
		flags := byte(0)
		if t.HasRevision {
			flags |= 1 << 7
		}
		if t.LockRequest {
			flags |= 1 << 6
		}
		if t.UnlockRequest {
			flags |= 1 << 5
		}
		if t.HasCorrelation {
			flags |= 1 << 4
		}
		// Bits 3–0 carry the value type as a redundant hint.
		flags |= byte(t.Value.Kind()) & 0x0F
		buf = append(buf, flags)
		if buf, err = appendString(buf, t.Address); err != nil {
			return nil, err
		}
		if buf, err = appendValue(buf, t.Value); err != nil {
			return nil, err
		}
		if t.HasRevision {
			buf = binary.BigEndian.AppendUint64(buf, t.Revision)
		}
		if t.HasCorrelation {
			buf = binary.BigEndian.AppendUint32(buf, t.Correlation)
		}
		return buf, nil

	case Publish:
		flags := byte(t.SignalType) & 0x07
		if t.HasTimestamp {
			flags |= 1 << 3
		}
		if t.HasGestureID {
			flags |= 1 << 4
		}
		flags |= byte(t.Phase) << 5
		buf = append(buf, flags)
		if buf, err = appendString(buf, t.Address); err != nil {
			return nil, err
		}
		switch {
		case t.Samples != nil:
			if len(t.Samples) > MaxPayload {
				return nil, fmt.Errorf("%w: %d samples", ErrInvalidMessage, len(t.Samples))
			}
			buf = append(buf, 2)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Samples)))
			for _, s := range t.Samples {
				buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s))
			}
		case t.Value != nil:
			buf = append(buf, 1)
			if buf, err = appendValue(buf, *t.Value); err != nil {
				return nil, err
			}
		default:
			buf = append(buf, 0)
		}
		if t.HasTimestamp {
			buf = binary.BigEndian.AppendUint64(buf, uint64(t.TimestampUS))
		}
		if t.HasGestureID {
			buf = binary.BigEndian.AppendUint32(buf, t.GestureID)
		}
		if t.Samples != nil {
			buf = binary.BigEndian.AppendUint32(buf, t.Rate)
		}
		return buf, nil

	case Subscribe:
		buf = binary.BigEndian.AppendUint32(buf, t.ID)
		if buf, err = appendString(buf, t.Pattern); err != nil {
			return nil, err
		}
		buf = append(buf, t.TypeMask)
		opts := byte(0)
		if t.HasMaxRate {
			opts |= 1 << 0
		}
		if t.HasEpsilon {
			opts |= 1 << 1
		}
		if t.HasHistory {
			opts |= 1 << 2
		}
		if t.HasWindow {
			opts |= 1 << 3
		}
		buf = append(buf, opts)
		if t.HasMaxRate {
			buf = binary.BigEndian.AppendUint16(buf, t.MaxRate)
		}
		if t.HasEpsilon {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Epsilon))
		}
		if t.HasHistory {
			buf = binary.BigEndian.AppendUint16(buf, t.History)
		}
		if t.HasWindow {
			buf = binary.BigEndian.AppendUint32(buf, t.WindowS)
		}
		return buf, nil

	case Unsubscribe:
		return binary.BigEndian.AppendUint32(buf, t.ID), nil

	case Get:
		return appendString(buf, t.Address)

	case GetResponse:
		flags := byte(0)
		if t.Found {
			flags |= 1 << 0
		}
		if t.HasWriter {
			flags |= 1 << 1
		}
		buf = append(buf, flags)
		if buf, err = appendString(buf, t.Address); err != nil {
			return nil, err
		}
		if t.Found {
			if buf, err = appendValue(buf, t.Value); err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint64(buf, t.Revision)
			buf = binary.BigEndian.AppendUint64(buf, uint64(t.TimestampUS))
			if t.HasWriter {
				if buf, err = appendString(buf, t.Writer); err != nil {
					return nil, err
				}
			}
		}
		return buf, nil

	case Delete:
		return appendString(buf, t.Address)

	case Lock:
		return appendString(buf, t.Address)

	case Unlock:
		return appendString(buf, t.Address)

	case Snapshot:
		if len(t.Entries) > MaxPayload {
			return nil, fmt.Errorf("%w: %d snapshot entries", ErrInvalidMessage, len(t.Entries))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Entries)))
		for _, e := range t.Entries {
			if buf, err = appendString(buf, e.Address); err != nil {
				return nil, err
			}
			if buf, err = appendValue(buf, e.Value); err != nil {
				return nil, err
			}
			buf = binary.BigEndian.AppendUint64(buf, e.Revision)
			opts := byte(0)
			if e.HasWriter {
				opts |= 1 << 0
			}
			if e.HasTimestamp {
				opts |= 1 << 1
			}
			buf = append(buf, opts)
			if e.HasWriter {
				if buf, err = appendString(buf, e.Writer); err != nil {
					return nil, err
				}
			}
			if e.HasTimestamp {
				buf = binary.BigEndian.AppendUint64(buf, uint64(e.TimestampUS))
			}
		}
		return buf, nil

	case Bundle:
		flags := byte(0)
		if t.HasScheduledAt {
			flags |= 1 << 0
		}
		buf = append(buf, flags)
		if len(t.Inner) > MaxPayload {
			return nil, fmt.Errorf("%w: %d inner messages", ErrInvalidMessage, len(t.Inner))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.Inner)))
		if t.HasScheduledAt {
			buf = binary.BigEndian.AppendUint64(buf, uint64(t.ScheduledAtUS))
		}
		for _, inner := range t.Inner {
			if len(inner) > MaxPayload {
				return nil, fmt.Errorf("%w: inner message %d bytes", ErrInvalidMessage, len(inner))
			}
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(inner)))
			buf = append(buf, inner...)
		}
		return buf, nil

	case Ack:
		flags := byte(0)
		if t.Address != "" {
			flags |= 1 << 0
		}
		if t.HasRevision {
			flags |= 1 << 1
		}
		if t.HasLock {
			flags |= 1 << 2
		}
		buf = append(buf, flags)
		buf = binary.BigEndian.AppendUint32(buf, t.Correlation)
		if t.Address != "" {
			if buf, err = appendString(buf, t.Address); err != nil {
				return nil, err
			}
		}
		if t.HasRevision {
			buf = binary.BigEndian.AppendUint64(buf, t.Revision)
		}
		if t.HasLock {
			locked := byte(0)
			if t.Locked {
				locked = 1
			}
			buf = append(buf, locked)
			if buf, err = appendString(buf, t.Holder); err != nil {
				return nil, err
			}
		}
		return buf, nil

	case ErrorMsg:
		flags := byte(0)
		if t.Address != "" {
			flags |= 1 << 0
		}
		if t.HasCorrelation {
			flags |= 1 << 1
		}
		buf = append(buf, flags)
		buf = binary.BigEndian.AppendUint16(buf, uint16(t.Code))
		if buf, err = appendString(buf, t.Message); err != nil {
			return nil, err
		}
		if t.Address != "" {
			if buf, err = appendString(buf, t.Address); err != nil {
				return nil, err
			}
		}
		if t.HasCorrelation {
			buf = binary.BigEndian.AppendUint32(buf, t.Correlation)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessage, m)
}

func appendSyncTimes(buf []byte, t1, t2, t3, t4 int64) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(t1))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t2))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t3))
	return binary.BigEndian.AppendUint64(buf, uint64(t4))
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// reader walks a message payload with truncation checks.
type reader struct {
	b []byte
}

func (r *reader) u8() (byte, error) {
	if len(r.b) < 1 {
		return 0, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if len(r.b) < 2 {
		return 0, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if len(r.b) < 4 {
		return 0, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if len(r.b) < 8 {
		return 0, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	v := binary.BigEndian.Uint64(r.b)
	r.b = r.b[8:]
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if len(r.b) < int(n) {
		return "", fmt.Errorf("%w: truncated string", ErrInvalidMessage)
	}
	s := r.b[:n]
	r.b = r.b[n:]
	if !utf8.Valid(s) {
		return "", fmt.Errorf("%w: invalid UTF-8 string", ErrInvalidMessage)
	}
	return string(s), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if len(r.b) < n {
		return nil, fmt.Errorf("%w: truncated", ErrInvalidMessage)
	}
	v := r.b[:n]
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) value() (value.Value, error) {
	v, rest, err := value.Decode(r.b)
	if err != nil {
		return value.Value{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r.b = rest
	return v, nil
}

// done fails unless the payload was fully consumed.
func (r *reader) done() error {
	if len(r.b) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidMessage, len(r.b))
	}
	return nil
}

// Decode parses a frame payload into a message, auto-detecting the binary v1
// and legacy MessagePack encodings by the leading byte.
func Decode(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if isLegacyPayload(payload[0]) {
		return decodeLegacy(payload)
	}
	return decodeBinary(payload)
}

func decodeBinary(payload []byte) (Message, error) {
	r := &reader{b: payload[1:]}
	var m Message
	var err error
	switch Type(payload[0]) {
	case TypeHello:
		m, err = decodeHello(r)
	case TypeWelcome:
		m, err = decodeWelcome(r)
	case TypePing:
		var nonce uint32
		if nonce, err = r.u32(); err == nil {
			m = Ping{Nonce: nonce}
		}
	case TypePong:
		var nonce uint32
		if nonce, err = r.u32(); err == nil {
			m = Pong{Nonce: nonce}
		}
	case TypeSync:
		m, err = decodeSync(r, false)
	case TypeSyncResponse:
		m, err = decodeSync(r, true)
	case TypeSet:
		m, err = decodeSet(r)
	case TypePublish:
		m, err = decodePublish(r)
	case TypeSubscribe:
		m, err = decodeSubscribe(r)
	case TypeUnsubscribe:
		var id uint32
		if id, err = r.u32(); err == nil {
			m = Unsubscribe{ID: id}
		}
	case TypeGet:
		var addr string
		if addr, err = r.str(); err == nil {
			m = Get{Address: addr}
		}
	case TypeGetResponse:
		m, err = decodeGetResponse(r)
	case TypeDelete:
		var addr string
		if addr, err = r.str(); err == nil {
			m = Delete{Address: addr}
		}
	case TypeLock:
		var addr string
		if addr, err = r.str(); err == nil {
			m = Lock{Address: addr}
		}
	case TypeUnlock:
		var addr string
		if addr, err = r.str(); err == nil {
			m = Unlock{Address: addr}
		}
	case TypeSnapshot:
		m, err = decodeSnapshot(r)
	case TypeBundle:
		m, err = decodeBundle(r)
	case TypeAck:
		m, err = decodeAck(r)
	case TypeError:
		m, err = decodeError(r)
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrInvalidMessage, payload[0])
	}
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeHello(r *reader) (Message, error) {
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	features, err := r.u8()
	if err != nil {
		return nil, err
	}
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	token, err := r.str()
	if err != nil {
		return nil, err
	}
	return Hello{Version: version, Features: features, ClientName: name, Token: token}, nil
}

func decodeWelcome(r *reader) (Message, error) {
	version, err := r.u8()
	if err != nil {
		return nil, err
	}
	features, err := r.u8()
	if err != nil {
		return nil, err
	}
	session, err := r.str()
	if err != nil {
		return nil, err
	}
	server, err := r.str()
	if err != nil {
		return nil, err
	}
	ts, err := r.i64()
	if err != nil {
		return nil, err
	}
	return Welcome{Version: version, Features: features, SessionID: session, ServerName: server, ServerTimeUS: ts}, nil
}

func decodeSync(r *reader, response bool) (Message, error) {
	var ts [4]int64
	for i := range ts {
		t, err := r.i64()
		if err != nil {
			return nil, err
		}
		ts[i] = t
	}
	if response {
		return SyncResponse{T1: ts[0], T2: ts[1], T3: ts[2], T4: ts[3]}, nil
	}
	return Sync{T1: ts[0], T2: ts[1], T3: ts[2], T4: ts[3]}, nil
}

func decodeSet(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := Set{
		HasRevision:    flags&(1<<7) != 0,
		LockRequest:    flags&(1<<6) != 0,
		UnlockRequest:  flags&(1<<5) != 0,
		HasCorrelation: flags&(1<<4) != 0,
	}
	if m.Address, err = r.str(); err != nil {
		return nil, err
	}
	if m.Value, err = r.value(); err != nil {
		return nil, err
	}
	// Bits 3–0 are a redundant value-type hint; the value self-describes,
	// so the hint is not validated.
	if m.HasRevision {
		if m.Revision, err = r.u64(); err != nil {
			return nil, err
		}
	}
	if m.HasCorrelation {
		if m.Correlation, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodePublish(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := Publish{
		SignalType:   SignalType(flags & 0x07),
		HasTimestamp: flags&(1<<3) != 0,
		HasGestureID: flags&(1<<4) != 0,
		Phase:        GesturePhase(flags >> 5),
	}
	if m.SignalType > SignalTimeline {
		return nil, fmt.Errorf("%w: signal type %d", ErrInvalidMessage, m.SignalType)
	}
	if m.Address, err = r.str(); err != nil {
		return nil, err
	}
	indicator, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch indicator {
	case 0:
	case 1:
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		m.Value = &v
	case 2:
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n) * 8)
		if err != nil {
			return nil, err
		}
		m.Samples = make([]float64, n)
		for i := range m.Samples {
			m.Samples[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("%w: value indicator %d", ErrInvalidMessage, indicator)
	}
	if m.HasTimestamp {
		if m.TimestampUS, err = r.i64(); err != nil {
			return nil, err
		}
	}
	if m.HasGestureID {
		if m.GestureID, err = r.u32(); err != nil {
			return nil, err
		}
	}
	if indicator == 2 {
		if m.Rate, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeSubscribe(r *reader) (Message, error) {
	m := Subscribe{}
	var err error
	if m.ID, err = r.u32(); err != nil {
		return nil, err
	}
	if m.Pattern, err = r.str(); err != nil {
		return nil, err
	}
	if m.TypeMask, err = r.u8(); err != nil {
		return nil, err
	}
	opts, err := r.u8()
	if err != nil {
		return nil, err
	}
	if opts&(1<<0) != 0 {
		m.HasMaxRate = true
		if m.MaxRate, err = r.u16(); err != nil {
			return nil, err
		}
	}
	if opts&(1<<1) != 0 {
		m.HasEpsilon = true
		bits, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.Epsilon = math.Float64frombits(bits)
	}
	if opts&(1<<2) != 0 {
		m.HasHistory = true
		if m.History, err = r.u16(); err != nil {
			return nil, err
		}
	}
	if opts&(1<<3) != 0 {
		m.HasWindow = true
		if m.WindowS, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeGetResponse(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := GetResponse{
		Found:     flags&(1<<0) != 0,
		HasWriter: flags&(1<<1) != 0,
	}
	if m.Address, err = r.str(); err != nil {
		return nil, err
	}
	if m.Found {
		if m.Value, err = r.value(); err != nil {
			return nil, err
		}
		if m.Revision, err = r.u64(); err != nil {
			return nil, err
		}
		if m.TimestampUS, err = r.i64(); err != nil {
			return nil, err
		}
		if m.HasWriter {
			if m.Writer, err = r.str(); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func decodeSnapshot(r *reader) (Message, error) {
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	m := Snapshot{Entries: make([]SnapshotEntry, 0, count)}
	for i := 0; i < int(count); i++ {
		var e SnapshotEntry
		if e.Address, err = r.str(); err != nil {
			return nil, err
		}
		if e.Value, err = r.value(); err != nil {
			return nil, err
		}
		if e.Revision, err = r.u64(); err != nil {
			return nil, err
		}
		opts, err := r.u8()
		if err != nil {
			return nil, err
		}
		if opts&(1<<0) != 0 {
			e.HasWriter = true
			if e.Writer, err = r.str(); err != nil {
				return nil, err
			}
		}
		if opts&(1<<1) != 0 {
			e.HasTimestamp = true
			if e.TimestampUS, err = r.i64(); err != nil {
				return nil, err
			}
		}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func decodeBundle(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := Bundle{HasScheduledAt: flags&(1<<0) != 0}
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	if m.HasScheduledAt {
		if m.ScheduledAtUS, err = r.i64(); err != nil {
			return nil, err
		}
	}
	m.Inner = make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		m.Inner = append(m.Inner, cp)
	}
	return m, nil
}

func decodeAck(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := Ack{}
	if m.Correlation, err = r.u32(); err != nil {
		return nil, err
	}
	if flags&(1<<0) != 0 {
		if m.Address, err = r.str(); err != nil {
			return nil, err
		}
	}
	if flags&(1<<1) != 0 {
		m.HasRevision = true
		if m.Revision, err = r.u64(); err != nil {
			return nil, err
		}
	}
	if flags&(1<<2) != 0 {
		m.HasLock = true
		locked, err := r.u8()
		if err != nil {
			return nil, err
		}
		m.Locked = locked != 0
		if m.Holder, err = r.str(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decodeError(r *reader) (Message, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	m := ErrorMsg{}
	code, err := r.u16()
	if err != nil {
		return nil, err
	}
	m.Code = Code(code)
	if m.Message, err = r.str(); err != nil {
		return nil, err
	}
	if flags&(1<<0) != 0 {
		if m.Address, err = r.str(); err != nil {
			return nil, err
		}
	}
	if flags&(1<<1) != 0 {
		m.HasCorrelation = true
		if m.Correlation, err = r.u32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}
