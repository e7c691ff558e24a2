package subs

import (
	"testing"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
	"github.com/lumencanvas/clasp/internal/wire"
)

func TestMatchExactAndPattern(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-1", 1, address.MustParsePattern("/x"), wire.MaskAll, Options{})
	ix.Add("s-2", 1, address.MustParsePattern("/lights/**"), wire.MaskAll, Options{})
	ix.Add("s-3", 1, address.MustParsePattern("/audio/*"), wire.MaskAll, Options{})

	got := ix.Match(address.MustParse("/x"), wire.SignalParam)
	if len(got) != 1 || got[0].Session != "s-1" {
		t.Fatalf("match /x: %v", sessions(got))
	}

	got = ix.Match(address.MustParse("/lights/r1/level"), wire.SignalParam)
	if len(got) != 1 || got[0].Session != "s-2" {
		t.Fatalf("match /lights/r1/level: %v", sessions(got))
	}

	got = ix.Match(address.MustParse("/video/a"), wire.SignalParam)
	if len(got) != 0 {
		t.Fatalf("match /video/a: %v", sessions(got))
	}
}

func sessions(subs []*Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Session)
	}
	return out
}

func TestMatchTypeMask(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-1", 1, address.MustParsePattern("/cues/**"), wire.SignalEvent.Mask(), Options{})

	if got := ix.Match(address.MustParse("/cues/go"), wire.SignalEvent); len(got) != 1 {
		t.Error("event subscription should match events")
	}
	if got := ix.Match(address.MustParse("/cues/go"), wire.SignalParam); len(got) != 0 {
		t.Error("event subscription should not match params")
	}
}

func TestMatchDeterministicOrder(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-b", 1, address.MustParsePattern("/a/**"), wire.MaskAll, Options{})
	ix.Add("s-a", 1, address.MustParsePattern("/a/*"), wire.MaskAll, Options{})

	first := sessions(ix.Match(address.MustParse("/a/x"), wire.SignalParam))
	for i := 0; i < 10; i++ {
		again := sessions(ix.Match(address.MustParse("/a/x"), wire.SignalParam))
		if len(again) != len(first) {
			t.Fatal("match result size changed")
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatal("match order is not deterministic")
			}
		}
	}
}

func TestRemove(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-1", 1, address.MustParsePattern("/x"), wire.MaskAll, Options{})
	ix.Add("s-1", 2, address.MustParsePattern("/y/*"), wire.MaskAll, Options{})

	if !ix.Remove("s-1", 1) {
		t.Fatal("remove should succeed")
	}
	if ix.Remove("s-1", 1) {
		t.Fatal("second remove should fail")
	}
	if got := ix.Match(address.MustParse("/x"), wire.SignalParam); len(got) != 0 {
		t.Error("removed subscription still matches")
	}
	if got := ix.Match(address.MustParse("/y/a"), wire.SignalParam); len(got) != 1 {
		t.Error("remaining subscription should still match")
	}
}

func TestRemoveSession(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-1", 1, address.MustParsePattern("/x"), wire.MaskAll, Options{})
	ix.Add("s-1", 2, address.MustParsePattern("/y/**"), wire.MaskAll, Options{})
	ix.Add("s-2", 1, address.MustParsePattern("/x"), wire.MaskAll, Options{})

	if n := ix.RemoveSession("s-1"); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	got := ix.Match(address.MustParse("/x"), wire.SignalParam)
	if len(got) != 1 || got[0].Session != "s-2" {
		t.Errorf("match after teardown: %v", sessions(got))
	}
	if ix.SessionCount("s-1") != 0 {
		t.Error("session count should be zero after teardown")
	}
}

func TestReplaceSameID(t *testing.T) {
	ix := NewIndex()
	ix.Add("s-1", 1, address.MustParsePattern("/old/**"), wire.MaskAll, Options{})
	ix.Add("s-1", 1, address.MustParsePattern("/new/**"), wire.MaskAll, Options{})

	if got := ix.Match(address.MustParse("/old/a"), wire.SignalParam); len(got) != 0 {
		t.Error("replaced pattern still matches")
	}
	if got := ix.Match(address.MustParse("/new/a"), wire.SignalParam); len(got) != 1 {
		t.Error("replacement pattern should match")
	}
	if ix.SessionCount("s-1") != 1 {
		t.Errorf("session count = %d, want 1", ix.SessionCount("s-1"))
	}
}

func TestEpsilonGate(t *testing.T) {
	ix := NewIndex()
	sub := ix.Add("s-1", 1, address.MustParsePattern("/temp"), wire.MaskAll, Options{HasEpsilon: true, Epsilon: 0.5})

	if !sub.Admit("/temp", value.Float(20.0)) {
		t.Fatal("first delivery should pass")
	}
	if sub.Admit("/temp", value.Float(20.2)) {
		t.Error("delta 0.2 < epsilon 0.5 should be suppressed")
	}
	if !sub.Admit("/temp", value.Float(20.6)) {
		t.Error("delta 0.6 ≥ epsilon should pass")
	}
	// Non-numeric values bypass the epsilon gate.
	if !sub.Admit("/temp", value.String("n/a")) {
		t.Error("non-numeric value should pass")
	}
}

func TestEpsilonPerAddress(t *testing.T) {
	ix := NewIndex()
	sub := ix.Add("s-1", 1, address.MustParsePattern("/sensors/**"), wire.MaskAll, Options{HasEpsilon: true, Epsilon: 1})

	if !sub.Admit("/sensors/a", value.Float(10)) {
		t.Fatal("first /sensors/a should pass")
	}
	if !sub.Admit("/sensors/b", value.Float(10)) {
		t.Error("first /sensors/b should pass: cache is per address")
	}
}

func TestRateGate(t *testing.T) {
	ix := NewIndex()
	sub := ix.Add("s-1", 1, address.MustParsePattern("/fast"), wire.MaskAll, Options{HasMaxRate: true, MaxRate: 10})

	// Burst capacity is MaxRate; the 11th immediate delivery must be dropped.
	passed := 0
	for i := 0; i < 20; i++ {
		if sub.Admit("/fast", value.Int(int64(i))) {
			passed++
		}
	}
	if passed > 10 {
		t.Errorf("%d deliveries passed, want ≤ 10", passed)
	}
	if passed == 0 {
		t.Error("some deliveries must pass")
	}
}
