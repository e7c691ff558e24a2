// Package address implements CLASP signal addresses and wildcard patterns.
//
// An address is a case-sensitive hierarchical path such as
// /lights/rig1/brightness. A pattern is an address template where a segment
// may be "*" (exactly one segment), "**" (zero or more segments), or a named
// capture "{name}" that matches one segment and reports it by name.
package address

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxAddressLen is the maximum encoded length of an address in bytes.
const MaxAddressLen = 256

var (
	// ErrInvalidAddress reports a malformed address string.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidPattern reports a malformed pattern string.
	ErrInvalidPattern = errors.New("invalid pattern")
)

// Address is a parsed, validated signal address.
type Address struct {
	raw  string
	segs []string
}

// Parse validates and parses an address string.
// The root sentinel "/" parses to an address with zero segments.
func Parse(s string) (Address, error) {
	if err := checkShape(s); err != nil {
		return Address{}, err
	}
	if s == "/" {
		return Address{raw: s}, nil
	}
	segs := strings.Split(s[1:], "/")
	for _, seg := range segs {
		if seg == "" {
			return Address{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidAddress, s)
		}
		if seg == "*" || seg == "**" {
			return Address{}, fmt.Errorf("%w: wildcard segment %q in address", ErrInvalidAddress, seg)
		}
	}
	return Address{raw: s, segs: segs}, nil
}

// MustParse is Parse that panics on error, for constants in tests and wiring.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// checkShape validates the properties shared by addresses and patterns.
func checkShape(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	case s[0] != '/':
		return fmt.Errorf("%w: %q does not start with '/'", ErrInvalidAddress, s)
	case len(s) > MaxAddressLen:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidAddress, len(s), MaxAddressLen)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidAddress)
	}
	return nil
}

// String returns the canonical address string.
func (a Address) String() string { return a.raw }

// Segments returns the path segments. The root address has none.
func (a Address) Segments() []string { return a.segs }

// IsRoot reports whether the address is the root sentinel "/".
func (a Address) IsRoot() bool { return a.raw == "/" }

// segKind discriminates pattern segment types.
type segKind uint8

const (
	segLiteral segKind = iota
	segSingle          // *
	segMulti           // **
	segCapture         // {name}
)

type patternSeg struct {
	kind segKind
	text string // literal text or capture name
}

// Pattern is a parsed, validated address pattern.
type Pattern struct {
	raw  string
	segs []patternSeg
}

// ParsePattern validates and parses a pattern string.
func ParsePattern(s string) (Pattern, error) {
	if err := checkShape(s); err != nil {
		return Pattern{}, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if s == "/" {
		return Pattern{raw: s}, nil
	}
	parts := strings.Split(s[1:], "/")
	segs := make([]patternSeg, 0, len(parts))
	prevMulti := false
	for _, part := range parts {
		switch {
		case part == "":
			return Pattern{}, fmt.Errorf("%w: empty segment in %q", ErrInvalidPattern, s)
		case part == "*":
			segs = append(segs, patternSeg{kind: segSingle})
			prevMulti = false
		case part == "**":
			if prevMulti {
				return Pattern{}, fmt.Errorf("%w: adjacent '**' in %q", ErrInvalidPattern, s)
			}
			segs = append(segs, patternSeg{kind: segMulti})
			prevMulti = true
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" || strings.ContainsAny(name, "{}*") {
				return Pattern{}, fmt.Errorf("%w: bad capture %q in %q", ErrInvalidPattern, part, s)
			}
			segs = append(segs, patternSeg{kind: segCapture, text: name})
			prevMulti = false
		case strings.ContainsAny(part, "{}"):
			return Pattern{}, fmt.Errorf("%w: stray brace in segment %q", ErrInvalidPattern, part)
		default:
			segs = append(segs, patternSeg{kind: segLiteral, text: part})
			prevMulti = false
		}
	}
	return Pattern{raw: s, segs: segs}, nil
}

// MustParsePattern is ParsePattern that panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical pattern string.
func (p Pattern) String() string { return p.raw }

// IsExact reports whether the pattern contains no wildcards or captures and
// therefore matches exactly one address. Exact patterns route through the
// hash-lookup fast path in the subscription index.
func (p Pattern) IsExact() bool {
	for _, seg := range p.segs {
		if seg.kind != segLiteral {
			return false
		}
	}
	return true
}

// Captures maps capture names to the segment each matched.
type Captures map[string]string

// Matches reports whether the pattern matches addr.
func (p Pattern) Matches(addr Address) bool {
	return matchSegs(p.segs, addr.segs, nil)
}

// Match reports whether the pattern matches addr and, if the pattern contains
// named captures, returns the name→segment map. The map is nil when the
// pattern has no captures or does not match.
func (p Pattern) Match(addr Address) (Captures, bool) {
	var caps Captures
	for _, seg := range p.segs {
		if seg.kind == segCapture {
			caps = make(Captures)
			break
		}
	}
	if !matchSegs(p.segs, addr.segs, caps) {
		return nil, false
	}
	return caps, true
}

// matchSegs matches pattern segments against address segments with
// backtracking for '**'. caps may be nil when captures are not wanted.
// A '**' consumes zero or more segments greedily, trying the longest span
// first; literal mismatch exits early.
func matchSegs(ps []patternSeg, as []string, caps Captures) bool {
	for len(ps) > 0 {
		seg := ps[0]
		switch seg.kind {
		case segMulti:
			if len(ps) == 1 {
				return true // trailing ** swallows the rest
			}
			for skip := len(as); skip >= 0; skip-- {
				if matchSegs(ps[1:], as[skip:], caps) {
					return true
				}
			}
			return false
		case segSingle:
			if len(as) == 0 {
				return false
			}
		case segCapture:
			if len(as) == 0 {
				return false
			}
			if caps != nil {
				caps[seg.text] = as[0]
			}
		default:
			if len(as) == 0 || as[0] != seg.text {
				return false
			}
		}
		ps = ps[1:]
		as = as[1:]
	}
	return len(as) == 0
}
