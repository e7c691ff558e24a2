package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumencanvas/clasp/internal/value"
)

// Legacy (encoding 0) payloads are MessagePack maps with a "type" field
// naming the message. Decoders accept unknown fields for forward
// compatibility and never echo them back; encoders always emit binary v1,
// so EncodeLegacy exists for conformance tests and bridge authors.

// isLegacyPayload reports whether a payload's first byte is a MessagePack
// map marker (fixmap, map16, or map32).
func isLegacyPayload(b byte) bool {
	return (b >= 0x80 && b <= 0x8F) || b == 0xDE || b == 0xDF
}

// legacyTypeNames maps binary type codes to legacy "type" field values.
var legacyTypeNames = map[Type]string{
	TypeHello:        "hello",
	TypeWelcome:      "welcome",
	TypePing:         "ping",
	TypePong:         "pong",
	TypeSync:         "sync",
	TypeSyncResponse: "sync_response",
	TypePublish:      "publish",
	TypeSet:          "set",
	TypeGet:          "get",
	TypeGetResponse:  "get_response",
	TypeDelete:       "delete",
	TypeLock:         "lock",
	TypeUnlock:       "unlock",
	TypeSubscribe:    "subscribe",
	TypeUnsubscribe:  "unsubscribe",
	TypeSnapshot:     "snapshot",
	TypeBundle:       "bundle",
	TypeAck:          "ack",
	TypeError:        "error",
}

var legacyTypeCodes = func() map[string]Type {
	m := make(map[string]Type, len(legacyTypeNames))
	for code, name := range legacyTypeNames {
		m[name] = code
	}
	return m
}()

// legacyMap is a decoded legacy payload with typed field accessors.
// Missing fields read as zero values; unknown fields are ignored.
type legacyMap map[string]any

func (m legacyMap) str(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m legacyMap) has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m legacyMap) i64(key string) int64 {
	return toInt64(m[key])
}

func (m legacyMap) u32(key string) uint32 {
	return uint32(toInt64(m[key]))
}

func (m legacyMap) f64(key string) float64 {
	return toFloat64(m[key])
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return float64(toInt64(v))
}

func (m legacyMap) boolean(key string) bool {
	b, _ := m[key].(bool)
	return b
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case float32:
		return int64(n)
	}
	return 0
}

// toValue converts a decoded msgpack value to a CLASP value.
func toValue(v any) (value.Value, error) {
	switch t := v.(type) {
	case nil:
		return value.Null(), nil
	case bool:
		return value.Bool(t), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return value.Int(toInt64(t)), nil
	case float32:
		return value.Float(float64(t)), nil
	case float64:
		return value.Float(t), nil
	case string:
		return value.String(t), nil
	case []byte:
		return value.Bytes(t), nil
	case []any:
		arr := make([]value.Value, 0, len(t))
		for _, e := range t {
			ev, err := toValue(e)
			if err != nil {
				return value.Value{}, err
			}
			arr = append(arr, ev)
		}
		return value.Array(arr...), nil
	case map[string]any:
		out := make(map[string]value.Value, len(t))
		for k, e := range t {
			ev, err := toValue(e)
			if err != nil {
				return value.Value{}, err
			}
			out[k] = ev
		}
		return value.Map(out), nil
	}
	return value.Value{}, fmt.Errorf("%w: unsupported legacy value %T", ErrInvalidMessage, v)
}

// fromValue converts a CLASP value to its msgpack-encodable form.
func fromValue(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindInt:
		i, _ := v.AsInt()
		return i
	case value.KindFloat:
		f, _ := v.AsFloat()
		return f
	case value.KindString:
		s, _ := v.AsString()
		return s
	case value.KindBytes:
		b, _ := v.AsBytes()
		return b
	case value.KindArray:
		arr, _ := v.AsArray()
		out := make([]any, 0, len(arr))
		for _, e := range arr {
			out = append(out, fromValue(e))
		}
		return out
	case value.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = fromValue(e)
		}
		return out
	}
	return nil
}

func decodeLegacy(payload []byte) (Message, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: msgpack: %v", ErrInvalidMessage, err)
	}
	m := legacyMap(raw)
	name := m.str("type")
	code, ok := legacyTypeCodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: legacy type %q", ErrInvalidMessage, name)
	}

	switch code {
	case TypeHello:
		return Hello{
			Version:    uint8(m.i64("version")),
			Features:   uint8(m.i64("features")),
			ClientName: m.str("name"),
			Token:      m.str("token"),
		}, nil

	case TypeWelcome:
		return Welcome{
			Version:      uint8(m.i64("version")),
			Features:     uint8(m.i64("features")),
			SessionID:    m.str("session"),
			ServerName:   m.str("server"),
			ServerTimeUS: m.i64("time"),
		}, nil

	case TypePing:
		return Ping{Nonce: m.u32("nonce")}, nil

	case TypePong:
		return Pong{Nonce: m.u32("nonce")}, nil

	case TypeSync:
		return Sync{T1: m.i64("t1"), T2: m.i64("t2"), T3: m.i64("t3"), T4: m.i64("t4")}, nil

	case TypeSyncResponse:
		return SyncResponse{T1: m.i64("t1"), T2: m.i64("t2"), T3: m.i64("t3"), T4: m.i64("t4")}, nil

	case TypeSet:
		v, err := toValue(raw["value"])
		if err != nil {
			return nil, err
		}
		out := Set{
			Address:       m.str("address"),
			Value:         v,
			LockRequest:   m.boolean("lock"),
			UnlockRequest: m.boolean("unlock"),
		}
		if m.has("revision") {
			out.HasRevision = true
			out.Revision = uint64(m.i64("revision"))
		}
		if m.has("correlation") {
			out.HasCorrelation = true
			out.Correlation = m.u32("correlation")
		}
		return out, nil

	case TypePublish:
		out := Publish{
			SignalType: SignalType(m.i64("signal_type")),
			Address:    m.str("address"),
			Phase:      GesturePhase(m.i64("phase")),
		}
		if out.SignalType > SignalTimeline {
			return nil, fmt.Errorf("%w: signal type %d", ErrInvalidMessage, out.SignalType)
		}
		if m.has("value") {
			v, err := toValue(raw["value"])
			if err != nil {
				return nil, err
			}
			out.Value = &v
		}
		if samples, ok := raw["samples"].([]any); ok {
			out.Samples = make([]float64, 0, len(samples))
			for _, s := range samples {
				out.Samples = append(out.Samples, toFloat64(s))
			}
			out.Rate = m.u32("rate")
		}
		if m.has("timestamp") {
			out.HasTimestamp = true
			out.TimestampUS = m.i64("timestamp")
		}
		if m.has("gesture_id") {
			out.HasGestureID = true
			out.GestureID = m.u32("gesture_id")
		}
		return out, nil

	case TypeSubscribe:
		out := Subscribe{
			ID:       m.u32("id"),
			Pattern:  m.str("pattern"),
			TypeMask: uint8(m.i64("types")),
		}
		if m.has("max_rate") {
			out.HasMaxRate = true
			out.MaxRate = uint16(m.i64("max_rate"))
		}
		if m.has("epsilon") {
			out.HasEpsilon = true
			out.Epsilon = m.f64("epsilon")
		}
		if m.has("history") {
			out.HasHistory = true
			out.History = uint16(m.i64("history"))
		}
		if m.has("window") {
			out.HasWindow = true
			out.WindowS = m.u32("window")
		}
		return out, nil

	case TypeUnsubscribe:
		return Unsubscribe{ID: m.u32("id")}, nil

	case TypeGet:
		return Get{Address: m.str("address")}, nil

	case TypeGetResponse:
		out := GetResponse{Address: m.str("address"), Found: m.boolean("found")}
		if out.Found {
			v, err := toValue(raw["value"])
			if err != nil {
				return nil, err
			}
			out.Value = v
			out.Revision = uint64(m.i64("revision"))
			out.TimestampUS = m.i64("timestamp")
			if m.has("writer") {
				out.HasWriter = true
				out.Writer = m.str("writer")
			}
		}
		return out, nil

	case TypeDelete:
		return Delete{Address: m.str("address")}, nil

	case TypeLock:
		return Lock{Address: m.str("address")}, nil

	case TypeUnlock:
		return Unlock{Address: m.str("address")}, nil

	case TypeSnapshot:
		entries, _ := raw["params"].([]any)
		out := Snapshot{Entries: make([]SnapshotEntry, 0, len(entries))}
		for _, raw := range entries {
			em, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: snapshot entry is not a map", ErrInvalidMessage)
			}
			lm := legacyMap(em)
			v, err := toValue(em["value"])
			if err != nil {
				return nil, err
			}
			e := SnapshotEntry{
				Address:  lm.str("address"),
				Value:    v,
				Revision: uint64(lm.i64("revision")),
			}
			if lm.has("writer") {
				e.HasWriter = true
				e.Writer = lm.str("writer")
			}
			if lm.has("timestamp") {
				e.HasTimestamp = true
				e.TimestampUS = lm.i64("timestamp")
			}
			out.Entries = append(out.Entries, e)
		}
		return out, nil

	case TypeBundle:
		// Legacy bundles nest inner messages as maps; re-encode each to the
		// binary form the router schedules with.
		inner, _ := raw["messages"].([]any)
		out := Bundle{Inner: make([][]byte, 0, len(inner))}
		if m.has("scheduled_at") {
			out.HasScheduledAt = true
			out.ScheduledAtUS = m.i64("scheduled_at")
		}
		for i, rawInner := range inner {
			im, ok := rawInner.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: bundle inner %d is not a map", ErrInvalidMessage, i)
			}
			packed, err := msgpack.Marshal(im)
			if err != nil {
				return nil, fmt.Errorf("%w: bundle inner %d: %v", ErrInvalidMessage, i, err)
			}
			decoded, err := decodeLegacy(packed)
			if err != nil {
				return nil, fmt.Errorf("bundle inner %d: %w", i, err)
			}
			if decoded.Type() == TypeBundle {
				return nil, fmt.Errorf("%w: nested bundle", ErrInvalidMessage)
			}
			bin, err := Encode(decoded)
			if err != nil {
				return nil, err
			}
			out.Inner = append(out.Inner, bin)
		}
		return out, nil

	case TypeAck:
		out := Ack{Correlation: m.u32("correlation"), Address: m.str("address")}
		if m.has("revision") {
			out.HasRevision = true
			out.Revision = uint64(m.i64("revision"))
		}
		if m.has("locked") {
			out.HasLock = true
			out.Locked = m.boolean("locked")
			out.Holder = m.str("holder")
		}
		return out, nil

	case TypeError:
		out := ErrorMsg{
			Code:    Code(m.i64("code")),
			Message: m.str("message"),
			Address: m.str("address"),
		}
		if m.has("correlation") {
			out.HasCorrelation = true
			out.Correlation = m.u32("correlation")
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: legacy type %q", ErrInvalidMessage, name)
}

// EncodeLegacy returns the legacy MessagePack payload for m. The core never
// emits legacy frames; this exists for conformance tests and protocol
// bridges that speak to old peers.
func EncodeLegacy(m Message) ([]byte, error) {
	name, ok := legacyTypeNames[m.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessage, m)
	}
	out := map[string]any{"type": name}

	switch t := m.(type) {
	case Hello:
		out["version"] = t.Version
		out["features"] = t.Features
		out["name"] = t.ClientName
		out["token"] = t.Token
	case Welcome:
		out["version"] = t.Version
		out["features"] = t.Features
		out["session"] = t.SessionID
		out["server"] = t.ServerName
		out["time"] = t.ServerTimeUS
	case Ping:
		out["nonce"] = t.Nonce
	case Pong:
		out["nonce"] = t.Nonce
	case Sync:
		out["t1"], out["t2"], out["t3"], out["t4"] = t.T1, t.T2, t.T3, t.T4
	case SyncResponse:
		out["t1"], out["t2"], out["t3"], out["t4"] = t.T1, t.T2, t.T3, t.T4
	case Set:
		out["address"] = t.Address
		out["value"] = fromValue(t.Value)
		if t.HasRevision {
			out["revision"] = t.Revision
		}
		if t.LockRequest {
			out["lock"] = true
		}
		if t.UnlockRequest {
			out["unlock"] = true
		}
		if t.HasCorrelation {
			out["correlation"] = t.Correlation
		}
	case Publish:
		out["signal_type"] = uint8(t.SignalType)
		out["address"] = t.Address
		out["phase"] = uint8(t.Phase)
		if t.Value != nil {
			out["value"] = fromValue(*t.Value)
		}
		if t.Samples != nil {
			samples := make([]any, 0, len(t.Samples))
			for _, s := range t.Samples {
				samples = append(samples, s)
			}
			out["samples"] = samples
			out["rate"] = t.Rate
		}
		if t.HasTimestamp {
			out["timestamp"] = t.TimestampUS
		}
		if t.HasGestureID {
			out["gesture_id"] = t.GestureID
		}
	case Subscribe:
		out["id"] = t.ID
		out["pattern"] = t.Pattern
		out["types"] = t.TypeMask
		if t.HasMaxRate {
			out["max_rate"] = t.MaxRate
		}
		if t.HasEpsilon {
			out["epsilon"] = t.Epsilon
		}
		if t.HasHistory {
			out["history"] = t.History
		}
		if t.HasWindow {
			out["window"] = t.WindowS
		}
	case Unsubscribe:
		out["id"] = t.ID
	case Get:
		out["address"] = t.Address
	case GetResponse:
		out["address"] = t.Address
		out["found"] = t.Found
		if t.Found {
			out["value"] = fromValue(t.Value)
			out["revision"] = t.Revision
			out["timestamp"] = t.TimestampUS
			if t.HasWriter {
				out["writer"] = t.Writer
			}
		}
	case Delete:
		out["address"] = t.Address
	case Lock:
		out["address"] = t.Address
	case Unlock:
		out["address"] = t.Address
	case Snapshot:
		entries := make([]any, 0, len(t.Entries))
		for _, e := range t.Entries {
			em := map[string]any{
				"address":  e.Address,
				"value":    fromValue(e.Value),
				"revision": e.Revision,
			}
			if e.HasWriter {
				em["writer"] = e.Writer
			}
			if e.HasTimestamp {
				em["timestamp"] = e.TimestampUS
			}
			entries = append(entries, em)
		}
		out["params"] = entries
	case Bundle:
		inner := make([]any, 0, len(t.Inner))
		for i, raw := range t.Inner {
			msg, err := Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("bundle inner %d: %w", i, err)
			}
			packed, err := EncodeLegacy(msg)
			if err != nil {
				return nil, err
			}
			var im map[string]any
			if err := msgpack.Unmarshal(packed, &im); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
			inner = append(inner, im)
		}
		out["messages"] = inner
		if t.HasScheduledAt {
			out["scheduled_at"] = t.ScheduledAtUS
		}
	case Ack:
		out["correlation"] = t.Correlation
		if t.Address != "" {
			out["address"] = t.Address
		}
		if t.HasRevision {
			out["revision"] = t.Revision
		}
		if t.HasLock {
			out["locked"] = t.Locked
			out["holder"] = t.Holder
		}
	case ErrorMsg:
		out["code"] = uint16(t.Code)
		out["message"] = t.Message
		if t.Address != "" {
			out["address"] = t.Address
		}
		if t.HasCorrelation {
			out["correlation"] = t.Correlation
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrInvalidMessage, m)
	}

	packed, err := msgpack.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w: msgpack: %v", ErrInvalidMessage, err)
	}
	return packed, nil
}
