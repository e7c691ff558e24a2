package wire

import (
	"reflect"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/lumencanvas/clasp/internal/value"
)

func encodeOrDie(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.Type(), err)
	}
	return b
}

func roundTripMsg(t *testing.T, m Message) Message {
	t.Helper()
	enc := encodeOrDie(t, m)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode %s: %v", m.Type(), err)
	}
	if !reflect.DeepEqual(dec, m) {
		t.Fatalf("round trip mismatch for %s:\nsent %#v\ngot  %#v", m.Type(), m, dec)
	}
	return dec
}

func TestRoundTripAllMessageTypes(t *testing.T) {
	v := value.Float(0.8)
	msgs := []Message{
		Hello{Version: 1, Features: 0x03, ClientName: "lightdesk", Token: "sk_abc"},
		Welcome{Version: 1, Features: 0x01, SessionID: "s-42", ServerName: "clasp", ServerTimeUS: 1700000000000000},
		Ping{Nonce: 7},
		Pong{Nonce: 7},
		Sync{T1: 1, T2: 2, T3: 3, T4: 4},
		SyncResponse{T1: 10, T2: 20, T3: 30, T4: 40},
		Set{Address: "/lights/r1/brightness", Value: value.Float(0.5)},
		Set{Address: "/x", Value: value.Int(1), HasRevision: true, Revision: 5, LockRequest: true, HasCorrelation: true, Correlation: 99},
		Publish{SignalType: SignalEvent, Address: "/cue/go", Value: &v},
		Publish{SignalType: SignalStream, Address: "/audio/level", Samples: []float64{0.1, 0.2, 0.3}, Rate: 48000},
		Publish{SignalType: SignalGesture, Address: "/pad/xy", Value: &v, HasGestureID: true, GestureID: 3, Phase: GestureMove, HasTimestamp: true, TimestampUS: 12345},
		Subscribe{ID: 1, Pattern: "/lights/**", TypeMask: MaskAll},
		Subscribe{ID: 2, Pattern: "/sensors/*", TypeMask: SignalParam.Mask(), HasMaxRate: true, MaxRate: 30, HasEpsilon: true, Epsilon: 0.01, HasHistory: true, History: 10, HasWindow: true, WindowS: 60},
		Unsubscribe{ID: 2},
		Get{Address: "/x"},
		GetResponse{Address: "/x", Found: true, Value: value.Int(1), Revision: 3, TimestampUS: 999, HasWriter: true, Writer: "s-1"},
		GetResponse{Address: "/gone", Found: false},
		Delete{Address: "/x"},
		Lock{Address: "/x"},
		Unlock{Address: "/x"},
		Snapshot{Entries: []SnapshotEntry{
			{Address: "/a", Value: value.Int(1), Revision: 1},
			{Address: "/b", Value: value.String("two"), Revision: 7, HasWriter: true, Writer: "s-9", HasTimestamp: true, TimestampUS: 1234},
		}},
		Ack{Correlation: 5, Address: "/x", HasRevision: true, Revision: 2},
		Ack{Correlation: 0, HasLock: true, Locked: true, Holder: "s-1"},
		ErrorMsg{Code: CodeRevisionConflict, Message: "revision conflict", Address: "/y", HasCorrelation: true, Correlation: 8},
		ErrorMsg{Code: CodeUnauthorized, Message: "unauthorized"},
	}
	for _, m := range msgs {
		roundTripMsg(t, m)
	}
}

func TestRoundTripBundle(t *testing.T) {
	inner1 := encodeOrDie(t, Set{Address: "/a", Value: value.Int(1)})
	inner2 := encodeOrDie(t, Set{Address: "/b", Value: value.Int(2)})
	b := Bundle{HasScheduledAt: true, ScheduledAtUS: 1_700_000_123_456, Inner: [][]byte{inner1, inner2}}
	dec := roundTripMsg(t, b).(Bundle)
	msgs, err := dec.DecodeInner()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d inner messages, want 2", len(msgs))
	}
	if got := msgs[0].(Set).Address; got != "/a" {
		t.Errorf("inner order broken: first address %q", got)
	}
}

func TestBundleRejectsNesting(t *testing.T) {
	inner := encodeOrDie(t, Bundle{Inner: [][]byte{}})
	b := Bundle{Inner: [][]byte{inner}}
	dec := roundTripMsg(t, b).(Bundle)
	if _, err := dec.DecodeInner(); err == nil {
		t.Error("expected error for bundle nested in bundle")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	enc := encodeOrDie(t, Ping{Nonce: 1})
	enc = append(enc, 0x00)
	if _, err := Decode(enc); err == nil {
		t.Error("expected error for trailing bytes")
	}
}

func TestDecodeRejectsTruncation(t *testing.T) {
	enc := encodeOrDie(t, Set{Address: "/lights/r1", Value: value.String("warm")})
	for cut := 1; cut < len(enc); cut++ {
		if _, err := Decode(enc[:cut]); err == nil {
			t.Errorf("decode of %d/%d bytes should fail", cut, len(enc))
		}
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte{0x7E}); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestDecodeInvalidUTF8Address(t *testing.T) {
	enc := []byte{byte(TypeGet), 0x00, 0x02, 0xFF, 0xFE}
	if _, err := Decode(enc); err == nil {
		t.Error("expected error for invalid UTF-8 address")
	}
}

func TestSetKnownBytes(t *testing.T) {
	enc := encodeOrDie(t, Set{Address: "/x", Value: value.Bool(true)})
	// 0x21 | flags(value-type hint = bool) | len=2 "/x" | bool true
	want := []byte{0x21, 0x01, 0x00, 0x02, '/', 'x', 0x01, 0x01}
	if len(enc) != len(want) {
		t.Fatalf("encoded %d bytes, want %d (% x)", len(enc), len(want), enc)
	}
	for i := range want {
		if enc[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x (% x)", i, enc[i], want[i], enc)
		}
	}
}

func TestSubscribeKnownBytes(t *testing.T) {
	enc := encodeOrDie(t, Subscribe{ID: 1, Pattern: "/a/*", TypeMask: MaskAll, HasMaxRate: true, MaxRate: 30})
	want := []byte{
		0x30,                   // type
		0x00, 0x00, 0x00, 0x01, // id
		0x00, 0x04, '/', 'a', '/', '*', // pattern
		0x1F,       // type mask
		0x01,       // option flags: max_rate
		0x00, 0x1E, // max_rate = 30
	}
	if len(enc) != len(want) {
		t.Fatalf("encoded %d bytes, want %d (% x)", len(enc), len(want), enc)
	}
	for i := range want {
		if enc[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x (% x)", i, enc[i], want[i], enc)
		}
	}
}

func TestErrorKnownBytes(t *testing.T) {
	enc := encodeOrDie(t, ErrorMsg{Code: CodeLockHeld, Message: "busy"})
	want := []byte{
		0x51,       // type
		0x00,       // flags: no address, no correlation
		0x01, 0x91, // code 401
		0x00, 0x04, 'b', 'u', 's', 'y',
	}
	if len(enc) != len(want) {
		t.Fatalf("encoded % x, want % x", enc, want)
	}
	for i := range want {
		if enc[i] != want[i] {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, enc[i], want[i])
		}
	}
}

func TestDefaultQoS(t *testing.T) {
	cases := map[SignalType]QoS{
		SignalParam:    QoSConfirm,
		SignalEvent:    QoSConfirm,
		SignalStream:   QoSFire,
		SignalGesture:  QoSFire,
		SignalTimeline: QoSCommit,
	}
	for st, want := range cases {
		if got := st.DefaultQoS(); got != want {
			t.Errorf("%s default QoS = %s, want %s", st, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Legacy encoding
// ---------------------------------------------------------------------------

func TestLegacyDetection(t *testing.T) {
	packed, err := EncodeLegacy(Ping{Nonce: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !isLegacyPayload(packed[0]) {
		t.Fatalf("legacy payload starts with 0x%02x, not a map marker", packed[0])
	}
	m, err := Decode(packed)
	if err != nil {
		t.Fatal(err)
	}
	if p, ok := m.(Ping); !ok || p.Nonce != 3 {
		t.Errorf("got %#v, want Ping{3}", m)
	}
}

func TestLegacyRoundTripSet(t *testing.T) {
	orig := Set{
		Address:     "/lights/r1/brightness",
		Value:       value.Float(0.75),
		HasRevision: true,
		Revision:    9,
	}
	packed, err := EncodeLegacy(orig)
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(packed)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := m.(Set)
	if !ok {
		t.Fatalf("got %T", m)
	}
	if got.Address != orig.Address || !got.Value.Equal(orig.Value) ||
		!got.HasRevision || got.Revision != orig.Revision {
		t.Errorf("legacy round trip mismatch: %#v", got)
	}
}

func TestLegacyIgnoresUnknownFields(t *testing.T) {
	packed, err := EncodeLegacy(Get{Address: "/x"})
	if err != nil {
		t.Fatal(err)
	}
	// Re-pack with an extra field the decoder has never heard of.
	var m map[string]any
	if err := msgpack.Unmarshal(packed, &m); err != nil {
		t.Fatal(err)
	}
	m["future_field"] = "ignored"
	repacked, err := msgpack.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(repacked)
	if err != nil {
		t.Fatalf("decoder must accept unknown fields: %v", err)
	}
	if g, ok := dec.(Get); !ok || g.Address != "/x" {
		t.Errorf("got %#v", dec)
	}
}

func TestLegacyUnknownType(t *testing.T) {
	packed, err := msgpack.Marshal(map[string]any{"type": "no_such_message"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(packed); err == nil {
		t.Error("expected error for unknown legacy type")
	}
}

func TestLegacyBundle(t *testing.T) {
	inner := encodeOrDie(t, Set{Address: "/a", Value: value.Int(1)})
	packed, err := EncodeLegacy(Bundle{Inner: [][]byte{inner}})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(packed)
	if err != nil {
		t.Fatal(err)
	}
	b, ok := dec.(Bundle)
	if !ok {
		t.Fatalf("got %T", dec)
	}
	msgs, err := b.DecodeInner()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].(Set).Address != "/a" {
		t.Errorf("legacy bundle inner mismatch: %#v", msgs)
	}
}
