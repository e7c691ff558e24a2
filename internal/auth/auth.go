// Package auth implements CLASP authentication: token validators dispatched
// by prefix, and the scope model gating every read, write, and subscribe.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lumencanvas/clasp/internal/address"
)

// Action is the operation class a scope authorizes.
type Action uint8

const (
	ActionRead Action = iota
	ActionWrite
	ActionAdmin // superset of read and write
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionAdmin:
		return "admin"
	}
	return "action?"
}

var (
	// ErrUnauthorized reports a token no validator recognizes, or a missing
	// token when the router requires auth.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrExpired reports an expired token.
	ErrExpired = errors.New("auth: token expired")

	// ErrInvalid reports a recognized but malformed or tampered token.
	ErrInvalid = errors.New("auth: invalid token")
)

// Scope is one action:pattern authorization.
type Scope struct {
	Action  Action
	Pattern address.Pattern
}

// ParseScope parses "action:pattern", e.g. "write:/lights/**".
func ParseScope(s string) (Scope, error) {
	action, pat, ok := strings.Cut(s, ":")
	if !ok {
		return Scope{}, fmt.Errorf("%w: scope %q missing ':'", ErrInvalid, s)
	}
	var a Action
	switch action {
	case "read":
		a = ActionRead
	case "write":
		a = ActionWrite
	case "admin":
		a = ActionAdmin
	default:
		return Scope{}, fmt.Errorf("%w: scope action %q", ErrInvalid, action)
	}
	p, err := address.ParsePattern(pat)
	if err != nil {
		return Scope{}, fmt.Errorf("%w: scope pattern %q: %v", ErrInvalid, pat, err)
	}
	return Scope{Action: a, Pattern: p}, nil
}

// MustParseScope is ParseScope that panics on error, for wiring and tests.
func MustParseScope(s string) Scope {
	sc, err := ParseScope(s)
	if err != nil {
		panic(err)
	}
	return sc
}

func (s Scope) String() string {
	return s.Action.String() + ":" + s.Pattern.String()
}

// ScopeSet is the set of scopes held by a session.
type ScopeSet []Scope

// ParseScopes parses a list of scope strings.
func ParseScopes(raw []string) (ScopeSet, error) {
	out := make(ScopeSet, 0, len(raw))
	for _, s := range raw {
		sc, err := ParseScope(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// allows reports whether any held scope grants action on addr. Admin scopes
// satisfy any action.
func (ss ScopeSet) allows(action Action, addr address.Address) bool {
	for _, s := range ss {
		if s.Action != action && s.Action != ActionAdmin {
			continue
		}
		if s.Pattern.Matches(addr) {
			return true
		}
	}
	return false
}

// AllowsRead reports whether reads (GET, SUBSCRIBE, snapshot receipt) are
// permitted on addr.
func (ss ScopeSet) AllowsRead(addr address.Address) bool {
	return ss.allows(ActionRead, addr)
}

// AllowsWrite reports whether writes (SET, PUBLISH, DELETE, LOCK) are
// permitted on addr.
func (ss ScopeSet) AllowsWrite(addr address.Address) bool {
	return ss.allows(ActionWrite, addr)
}

// AllowsReadPattern reports whether a subscription pattern is permitted:
// some address space reachable by the subscription must be covered. The
// check is conservative — it passes when the subscription pattern's literal
// prefix is readable under any held scope.
func (ss ScopeSet) AllowsReadPattern(p address.Pattern) bool {
	// An address built from the pattern's literal segments (wildcards
	// collapse) is representative of the narrowest subscription target.
	probe := probeAddress(p)
	return ss.allows(ActionRead, probe)
}

// probeAddress derives a concrete address from a pattern by dropping
// multi-wildcards and substituting a placeholder for single wildcards and
// captures.
func probeAddress(p address.Pattern) address.Address {
	raw := p.String()
	if raw == "/" {
		return address.MustParse("/")
	}
	parts := strings.Split(raw[1:], "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch {
		case part == "**":
			// drops
		case part == "*" || (strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}")):
			out = append(out, "_")
		default:
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return address.MustParse("/")
	}
	a, err := address.Parse("/" + strings.Join(out, "/"))
	if err != nil {
		return address.MustParse("/")
	}
	return a
}

// Result is a successful token validation.
type Result struct {
	Subject  string
	Scopes   ScopeSet
	Metadata map[string]string
}

// Validator recognizes one token family by prefix.
type Validator interface {
	// Prefix is the token prefix this validator claims, e.g. "sk_".
	Prefix() string

	// Validate checks a full token (prefix included) and returns the
	// authenticated subject and scopes.
	Validate(token string) (Result, error)
}

// Chain dispatches tokens to the first validator whose prefix matches.
type Chain struct {
	validators []Validator
}

// NewChain returns a chain over the given validators, consulted in order.
func NewChain(validators ...Validator) *Chain {
	return &Chain{validators: validators}
}

// Register appends a validator to the chain.
func (c *Chain) Register(v Validator) {
	c.validators = append(c.validators, v)
}

// Validate dispatches the token by prefix. An empty token or a prefix no
// validator claims fails with ErrUnauthorized.
func (c *Chain) Validate(token string) (Result, error) {
	if token == "" {
		return Result{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	for _, v := range c.validators {
		if strings.HasPrefix(token, v.Prefix()) {
			return v.Validate(token)
		}
	}
	return Result{}, fmt.Errorf("%w: unrecognized token prefix", ErrUnauthorized)
}

// StaticValidator authenticates pre-shared tokens from a fixed table.
// Token strings carry the "sk_" prefix.
type StaticValidator struct {
	tokens map[string]Result
}

// StaticPrefix is the token prefix claimed by StaticValidator.
const StaticPrefix = "sk_"

// NewStaticValidator builds a validator over a token→result table.
func NewStaticValidator(tokens map[string]Result) *StaticValidator {
	return &StaticValidator{tokens: tokens}
}

func (v *StaticValidator) Prefix() string { return StaticPrefix }

func (v *StaticValidator) Validate(token string) (Result, error) {
	res, ok := v.tokens[token]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown token", ErrInvalid)
	}
	return res, nil
}
