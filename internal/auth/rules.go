package auth

import (
	"fmt"
	"strings"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
)

// StateLookup reads the current value at an address during rule evaluation.
// ok is false when the address has no stored param.
type StateLookup func(addr string) (value.Value, bool)

// Rule is one declarative write check, applied to SETs whose address matches
// Pattern. Zero-valued checks are skipped.
type Rule struct {
	// Pattern selects the addresses this rule guards.
	Pattern address.Pattern

	// SubjectCapture names a pattern capture whose matched segment must
	// equal the writing session's subject. Guards per-user namespaces like
	// /users/{user}/**.
	SubjectCapture string

	// RequiredFields lists map keys that must be present in the written
	// value; when set, a value that is not a map fails the rule.
	RequiredFields []string

	// RequireExisting is an address template that must hold a non-null
	// param for the write to proceed. "{name}" segments are substituted
	// from the pattern captures.
	RequireExisting string
}

// RuleSet evaluates write rules in registration order; the first failing
// rule rejects the write.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet returns an empty rule registry.
func NewRuleSet() *RuleSet {
	return &RuleSet{}
}

// Add registers a rule.
func (rs *RuleSet) Add(r Rule) {
	rs.rules = append(rs.rules, r)
}

// Len returns the number of registered rules.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Check runs every matching rule against one write.
func (rs *RuleSet) Check(addr address.Address, v value.Value, subject string, lookup StateLookup) error {
	for _, r := range rs.rules {
		caps, ok := r.Pattern.Match(addr)
		if !ok {
			continue
		}
		if r.SubjectCapture != "" {
			seg, found := caps[r.SubjectCapture]
			if !found || seg != subject {
				return fmt.Errorf("segment {%s}=%q does not match subject %q", r.SubjectCapture, seg, subject)
			}
		}
		if len(r.RequiredFields) > 0 {
			m, isMap := v.AsMap()
			if !isMap {
				return fmt.Errorf("value must be a map with fields %v", r.RequiredFields)
			}
			for _, f := range r.RequiredFields {
				if _, present := m[f]; !present {
					return fmt.Errorf("missing required field %q", f)
				}
			}
		}
		if r.RequireExisting != "" {
			if lookup == nil {
				return fmt.Errorf("state lookup unavailable for rule on %s", r.Pattern)
			}
			target := substituteCaptures(r.RequireExisting, caps)
			cur, found := lookup(target)
			if !found || cur.IsNull() {
				return fmt.Errorf("required param %s is absent", target)
			}
		}
	}
	return nil
}

// substituteCaptures replaces "{name}" segments in a template with captured
// segments.
func substituteCaptures(template string, caps address.Captures) string {
	if len(caps) == 0 || !strings.Contains(template, "{") {
		return template
	}
	parts := strings.Split(template, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if seg, ok := caps[part[1:len(part)-1]]; ok {
				parts[i] = seg
			}
		}
	}
	return strings.Join(parts, "/")
}
