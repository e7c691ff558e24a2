package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
)

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

func TestParseScope(t *testing.T) {
	s, err := ParseScope("write:/lights/**")
	if err != nil {
		t.Fatal(err)
	}
	if s.Action != ActionWrite || s.Pattern.String() != "/lights/**" {
		t.Errorf("got %s", s)
	}
	for _, bad := range []string{"", "write", "fly:/a", "read:nope"} {
		if _, err := ParseScope(bad); err == nil {
			t.Errorf("ParseScope(%q): expected error", bad)
		}
	}
}

func TestScopeEnforcement(t *testing.T) {
	// Spec property 9: read:/sensors/** may subscribe but not write.
	ss := ScopeSet{MustParseScope("read:/sensors/**")}
	temp := address.MustParse("/sensors/temp")

	if !ss.AllowsRead(temp) {
		t.Error("read scope should allow reading /sensors/temp")
	}
	if ss.AllowsWrite(temp) {
		t.Error("read scope must not allow writing")
	}
	if ss.AllowsRead(address.MustParse("/lights/a")) {
		t.Error("scope must not leak outside its pattern")
	}
}

func TestAdminScopeIsSuperset(t *testing.T) {
	ss := ScopeSet{MustParseScope("admin:/**")}
	a := address.MustParse("/anything/at/all")
	if !ss.AllowsRead(a) || !ss.AllowsWrite(a) {
		t.Error("admin scope should allow both read and write")
	}
}

func TestAllowsReadPattern(t *testing.T) {
	ss := ScopeSet{MustParseScope("read:/sensors/**")}
	if !ss.AllowsReadPattern(address.MustParsePattern("/sensors/*")) {
		t.Error("subscription inside the scope should be permitted")
	}
	if ss.AllowsReadPattern(address.MustParsePattern("/lights/**")) {
		t.Error("subscription outside the scope should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

func TestChainPrefixDispatch(t *testing.T) {
	static := NewStaticValidator(map[string]Result{
		"sk_ok": {Subject: "desk", Scopes: ScopeSet{MustParseScope("admin:/**")}},
	})
	chain := NewChain(static)

	res, err := chain.Validate("sk_ok")
	if err != nil {
		t.Fatal(err)
	}
	if res.Subject != "desk" {
		t.Errorf("subject = %q", res.Subject)
	}

	if _, err := chain.Validate("sk_bogus"); !errors.Is(err, ErrInvalid) {
		t.Errorf("unknown static token: %v, want ErrInvalid", err)
	}
	if _, err := chain.Validate("zz_whatever"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unclaimed prefix: %v, want ErrUnauthorized", err)
	}
	if _, err := chain.Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token: %v, want ErrUnauthorized", err)
	}
}

func TestJWTValidator(t *testing.T) {
	secret := []byte("show-secret")
	v := NewJWTValidator(secret, "")
	chain := NewChain(v)

	signed := signTestJWT(t, secret, jwt.MapClaims{
		"sub":    "operator-1",
		"scopes": []string{"read:/sensors/**", "write:/lights/**"},
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	res, err := chain.Validate(JWTPrefix + signed)
	if err != nil {
		t.Fatal(err)
	}
	if res.Subject != "operator-1" || len(res.Scopes) != 2 {
		t.Errorf("got %+v", res)
	}
}

func TestJWTExpired(t *testing.T) {
	secret := []byte("show-secret")
	v := NewJWTValidator(secret, "")
	signed := signTestJWT(t, secret, jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Validate(JWTPrefix + signed); !errors.Is(err, ErrExpired) {
		t.Errorf("got %v, want ErrExpired", err)
	}
}

func TestJWTTampered(t *testing.T) {
	signed := signTestJWT(t, []byte("other-secret"), jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	v := NewJWTValidator([]byte("show-secret"), "")
	if _, err := v.Validate(JWTPrefix + signed); !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func signTestJWT(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// ---------------------------------------------------------------------------
// Write rules
// ---------------------------------------------------------------------------

func TestRuleSubjectCapture(t *testing.T) {
	rs := NewRuleSet()
	rs.Add(Rule{
		Pattern:        address.MustParsePattern("/users/{user}/**"),
		SubjectCapture: "user",
	})

	addr := address.MustParse("/users/alice/cursor")
	if err := rs.Check(addr, value.Int(1), "alice", nil); err != nil {
		t.Errorf("owner write rejected: %v", err)
	}
	if err := rs.Check(addr, value.Int(1), "bob", nil); err == nil {
		t.Error("foreign write should be rejected")
	}
	// Unmatched addresses are unguarded.
	if err := rs.Check(address.MustParse("/lights/a"), value.Int(1), "bob", nil); err != nil {
		t.Errorf("unmatched address should pass: %v", err)
	}
}

func TestRuleRequiredFields(t *testing.T) {
	rs := NewRuleSet()
	rs.Add(Rule{
		Pattern:        address.MustParsePattern("/cues/*"),
		RequiredFields: []string{"name", "duration"},
	})

	full := value.Map(map[string]value.Value{"name": value.String("blackout"), "duration": value.Float(2)})
	if err := rs.Check(address.MustParse("/cues/1"), full, "s", nil); err != nil {
		t.Errorf("complete map rejected: %v", err)
	}
	partial := value.Map(map[string]value.Value{"name": value.String("x")})
	if err := rs.Check(address.MustParse("/cues/1"), partial, "s", nil); err == nil {
		t.Error("missing field should be rejected")
	}
	if err := rs.Check(address.MustParse("/cues/1"), value.Int(3), "s", nil); err == nil {
		t.Error("non-map value should be rejected when fields are required")
	}
}

func TestRuleRequireExisting(t *testing.T) {
	state := map[string]value.Value{
		"/shows/gala/active": value.Bool(true),
	}
	lookup := func(addr string) (value.Value, bool) {
		v, ok := state[addr]
		return v, ok
	}

	rs := NewRuleSet()
	rs.Add(Rule{
		Pattern:         address.MustParsePattern("/shows/{show}/cues/*"),
		RequireExisting: "/shows/{show}/active",
	})

	if err := rs.Check(address.MustParse("/shows/gala/cues/1"), value.Int(1), "s", lookup); err != nil {
		t.Errorf("write with satisfied dependency rejected: %v", err)
	}
	if err := rs.Check(address.MustParse("/shows/other/cues/1"), value.Int(1), "s", lookup); err == nil {
		t.Error("write without the required param should be rejected")
	}
}
