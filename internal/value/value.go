// Package value implements the CLASP tagged value union and its binary
// encoding. Every value encodes as one type-code byte followed by a
// type-specific payload; integers and floats carried at narrower widths on
// the wire are widened to i64/f64 on decode.
package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// Wire type codes. Integer and float codes encode the width; the in-memory
// representation after decode is always i64 / f64.
const (
	codeNull    = 0x00
	codeBool    = 0x01
	codeInt8    = 0x02
	codeInt16   = 0x03
	codeInt32   = 0x04
	codeInt64   = 0x05
	codeFloat32 = 0x06
	codeFloat64 = 0x07
	codeString  = 0x08
	codeBytes   = 0x09
	codeArray   = 0x0A
	codeMap     = 0x0B
)

// MaxLen caps string/bytes byte lengths and array/map element counts, as the
// wire carries them in a u16.
const MaxLen = 65535

var (
	// ErrTruncated reports a payload shorter than its declared content.
	ErrTruncated = errors.New("value: truncated")

	// ErrBadTypeCode reports an unknown type-code byte.
	ErrBadTypeCode = errors.New("value: bad type code")

	// ErrTooLarge reports a string/bytes/collection exceeding the u16 cap.
	ErrTooLarge = errors.New("value: too large")

	// ErrInvalidUTF8 reports a string payload that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("value: invalid UTF-8")
)

// Kind discriminates the value union.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a CLASP signal value. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	arr  []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a byte-string value. The slice is not copied.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// Array returns an array value. The slice is not copied.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Map returns a map value. The map is not copied; key order is not semantic.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and true when the value is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer and true when the value is an int.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float and true when the value is a float.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string and true when the value is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns the byte string and true when the value is bytes.
func (v Value) AsBytes() ([]byte, bool) { return v.raw, v.kind == KindBytes }

// AsArray returns the elements and true when the value is an array.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsMap returns the entries and true when the value is a map.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Numeric returns the value as a float64 for epsilon comparisons.
// ok is false for non-numeric kinds.
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Equal reports semantic equality: widened numerics compare by value, map
// key order is ignored, arrays compare element-wise.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBytes:
		if len(v.raw) != len(o.raw) {
			return false
		}
		for i := range v.raw {
			if v.raw[i] != o.raw[i] {
				return false
			}
		}
		return true
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, ve := range v.m {
			oe, ok := o.m[k]
			if !ok || !ve.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("bytes[%d]", len(v.raw))
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.arr))
	case KindMap:
		return fmt.Sprintf("map[%d]", len(v.m))
	}
	return "?"
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// AppendTo appends the binary encoding of v to buf and returns the extended
// slice. Integers emit at the smallest width that holds them; floats always
// emit as f64. Map entries emit in sorted key order so equal values produce
// identical bytes.
func (v Value) AppendTo(buf []byte) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, codeNull), nil
	case KindBool:
		if v.b {
			return append(buf, codeBool, 1), nil
		}
		return append(buf, codeBool, 0), nil
	case KindInt:
		switch {
		case v.i >= math.MinInt8 && v.i <= math.MaxInt8:
			return append(buf, codeInt8, byte(int8(v.i))), nil
		case v.i >= math.MinInt16 && v.i <= math.MaxInt16:
			return binary.BigEndian.AppendUint16(append(buf, codeInt16), uint16(int16(v.i))), nil
		case v.i >= math.MinInt32 && v.i <= math.MaxInt32:
			return binary.BigEndian.AppendUint32(append(buf, codeInt32), uint32(int32(v.i))), nil
		default:
			return binary.BigEndian.AppendUint64(append(buf, codeInt64), uint64(v.i)), nil
		}
	case KindFloat:
		return binary.BigEndian.AppendUint64(append(buf, codeFloat64), math.Float64bits(v.f)), nil
	case KindString:
		if len(v.s) > MaxLen {
			return nil, fmt.Errorf("%w: string %d bytes", ErrTooLarge, len(v.s))
		}
		buf = binary.BigEndian.AppendUint16(append(buf, codeString), uint16(len(v.s)))
		return append(buf, v.s...), nil
	case KindBytes:
		if len(v.raw) > MaxLen {
			return nil, fmt.Errorf("%w: bytes %d bytes", ErrTooLarge, len(v.raw))
		}
		buf = binary.BigEndian.AppendUint16(append(buf, codeBytes), uint16(len(v.raw)))
		return append(buf, v.raw...), nil
	case KindArray:
		if len(v.arr) > MaxLen {
			return nil, fmt.Errorf("%w: array %d elements", ErrTooLarge, len(v.arr))
		}
		buf = binary.BigEndian.AppendUint16(append(buf, codeArray), uint16(len(v.arr)))
		var err error
		for _, e := range v.arr {
			if buf, err = e.AppendTo(buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	case KindMap:
		if len(v.m) > MaxLen {
			return nil, fmt.Errorf("%w: map %d entries", ErrTooLarge, len(v.m))
		}
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = binary.BigEndian.AppendUint16(append(buf, codeMap), uint16(len(keys)))
		var err error
		for _, k := range keys {
			if len(k) > MaxLen {
				return nil, fmt.Errorf("%w: map key %d bytes", ErrTooLarge, len(k))
			}
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			if buf, err = v.m[k].AppendTo(buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	return nil, fmt.Errorf("value: cannot encode kind %s", v.kind)
}

// Encode returns the binary encoding of v.
func (v Value) Encode() ([]byte, error) {
	return v.AppendTo(nil)
}

// Decode reads one value from the front of b and returns it along with the
// unconsumed remainder.
func Decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, ErrTruncated
	}
	code, rest := b[0], b[1:]
	switch code {
	case codeNull:
		return Null(), rest, nil
	case codeBool:
		if len(rest) < 1 {
			return Value{}, nil, ErrTruncated
		}
		return Bool(rest[0] != 0), rest[1:], nil
	case codeInt8:
		if len(rest) < 1 {
			return Value{}, nil, ErrTruncated
		}
		return Int(int64(int8(rest[0]))), rest[1:], nil
	case codeInt16:
		if len(rest) < 2 {
			return Value{}, nil, ErrTruncated
		}
		return Int(int64(int16(binary.BigEndian.Uint16(rest)))), rest[2:], nil
	case codeInt32:
		if len(rest) < 4 {
			return Value{}, nil, ErrTruncated
		}
		return Int(int64(int32(binary.BigEndian.Uint32(rest)))), rest[4:], nil
	case codeInt64:
		if len(rest) < 8 {
			return Value{}, nil, ErrTruncated
		}
		return Int(int64(binary.BigEndian.Uint64(rest))), rest[8:], nil
	case codeFloat32:
		if len(rest) < 4 {
			return Value{}, nil, ErrTruncated
		}
		return Float(float64(math.Float32frombits(binary.BigEndian.Uint32(rest)))), rest[4:], nil
	case codeFloat64:
		if len(rest) < 8 {
			return Value{}, nil, ErrTruncated
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(rest))), rest[8:], nil
	case codeString:
		s, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if !utf8.Valid(s) {
			return Value{}, nil, ErrInvalidUTF8
		}
		return String(string(s)), rest, nil
	case codeBytes:
		s, rest, err := readLenPrefixed(rest)
		if err != nil {
			return Value{}, nil, err
		}
		cp := make([]byte, len(s))
		copy(cp, s)
		return Bytes(cp), rest, nil
	case codeArray:
		if len(rest) < 2 {
			return Value{}, nil, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		arr := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			var e Value
			var err error
			e, rest, err = Decode(rest)
			if err != nil {
				return Value{}, nil, err
			}
			arr = append(arr, e)
		}
		return Array(arr...), rest, nil
	case codeMap:
		if len(rest) < 2 {
			return Value{}, nil, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		m := make(map[string]Value, n)
		for i := 0; i < n; i++ {
			var k []byte
			var err error
			k, rest, err = readLenPrefixed(rest)
			if err != nil {
				return Value{}, nil, err
			}
			if !utf8.Valid(k) {
				return Value{}, nil, ErrInvalidUTF8
			}
			var e Value
			e, rest, err = Decode(rest)
			if err != nil {
				return Value{}, nil, err
			}
			m[string(k)] = e
		}
		return Map(m), rest, nil
	}
	return Value{}, nil, fmt.Errorf("%w: 0x%02x", ErrBadTypeCode, code)
}

// readLenPrefixed reads a u16 big-endian length and that many bytes.
func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}
