package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mustSet(t *testing.T, s *Store, addr string, v value.Value, writer string) uint64 {
	t.Helper()
	res := s.Set(address.MustParse(addr), v, writer, 1000, nil, LockNone)
	if res.Status != SetAccepted {
		t.Fatalf("set %s: status %d", addr, res.Status)
	}
	return res.NewRevision
}

func TestSetAndGet(t *testing.T) {
	s := newStore(t)
	rev := mustSet(t, s, "/x", value.Int(1), "s-1")
	if rev != 1 {
		t.Errorf("first revision = %d, want 1", rev)
	}
	rec, ok := s.Get(address.MustParse("/x"))
	if !ok {
		t.Fatal("expected record")
	}
	if i, _ := rec.Value.AsInt(); i != 1 {
		t.Errorf("value = %s, want 1", rec.Value)
	}
	if rec.Writer != "s-1" {
		t.Errorf("writer = %q, want s-1", rec.Writer)
	}
}

func TestRevisionsMonotonic(t *testing.T) {
	s := newStore(t)
	var last uint64
	for i := 0; i < 100; i++ {
		rev := mustSet(t, s, "/x", value.Int(int64(i)), "s-1")
		if rev != last+1 {
			t.Fatalf("revision %d after %d: not dense", rev, last)
		}
		last = rev
	}
}

func TestRevisionContinuesAfterDelete(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/x", value.Int(1), "s-1")
	mustSet(t, s, "/x", value.Int(2), "s-1")
	if res := s.Delete(address.MustParse("/x"), "s-1"); res.Status != SetAccepted {
		t.Fatalf("delete: status %d", res.Status)
	}
	if _, ok := s.Get(address.MustParse("/x")); ok {
		t.Fatal("record should be gone after delete")
	}
	rev := mustSet(t, s, "/x", value.Int(3), "s-1")
	if rev != 3 {
		t.Errorf("revision after recreate = %d, want 3", rev)
	}
}

func TestExpectedRevisionConflict(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/y", value.Int(1), "s-1")
	want := uint64(5)
	res := s.Set(address.MustParse("/y"), value.Int(2), "s-1", 1000, &want, LockNone)
	if res.Status != SetRevisionConflict {
		t.Fatalf("status = %d, want conflict", res.Status)
	}
	if res.CurRevision != 1 {
		t.Errorf("current revision = %d, want 1", res.CurRevision)
	}
	rec, _ := s.Get(address.MustParse("/y"))
	if i, _ := rec.Value.AsInt(); i != 1 {
		t.Error("store must be unchanged after a conflicted write")
	}
}

func TestExpectedRevisionOnMissingAddress(t *testing.T) {
	s := newStore(t)
	want := uint64(99)
	res := s.Set(address.MustParse("/b"), value.Int(2), "s-1", 1000, &want, LockNone)
	if res.Status != SetRevisionConflict {
		t.Fatalf("status = %d, want conflict for missing address", res.Status)
	}
}

func TestExpectedRevisionMatches(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/y", value.Int(1), "s-1")
	want := uint64(1)
	res := s.Set(address.MustParse("/y"), value.Int(2), "s-1", 1000, &want, LockNone)
	if res.Status != SetAccepted || res.NewRevision != 2 {
		t.Fatalf("got %+v, want accepted rev 2", res)
	}
}

func TestLockBlocksOtherWriters(t *testing.T) {
	s := newStore(t)
	res := s.Set(address.MustParse("/z"), value.Int(1), "s-a", 1000, nil, LockAcquire)
	if res.Status != SetAccepted {
		t.Fatal("locked set should succeed")
	}

	res = s.Set(address.MustParse("/z"), value.Int(2), "s-b", 1000, nil, LockNone)
	if res.Status != SetLockHeld {
		t.Fatalf("status = %d, want lock held", res.Status)
	}
	if res.Holder != "s-a" {
		t.Errorf("holder = %q, want s-a", res.Holder)
	}

	// Holder keeps write access.
	res = s.Set(address.MustParse("/z"), value.Int(3), "s-a", 1000, nil, LockNone)
	if res.Status != SetAccepted {
		t.Error("lock holder write should succeed")
	}
}

func TestReleaseLocksOnDisconnect(t *testing.T) {
	s := newStore(t)
	s.Set(address.MustParse("/z"), value.Int(1), "s-a", 1000, nil, LockAcquire)
	released := s.ReleaseLocks("s-a")
	if len(released) != 1 || released[0] != "/z" {
		t.Fatalf("released = %v, want [/z]", released)
	}
	res := s.Set(address.MustParse("/z"), value.Int(2), "s-b", 1000, nil, LockNone)
	if res.Status != SetAccepted || res.NewRevision != 2 {
		t.Fatalf("write after release: %+v", res)
	}
}

func TestLockUnlockOps(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/w", value.Int(1), "s-a")
	if res := s.Lock(address.MustParse("/w"), "s-a"); res.Status != SetAccepted {
		t.Fatal("lock should succeed")
	}
	if res := s.Lock(address.MustParse("/w"), "s-b"); res.Status != SetLockHeld {
		t.Fatal("second lock should fail")
	}
	if res := s.Unlock(address.MustParse("/w"), "s-b"); res.Status != SetLockHeld {
		t.Fatal("non-holder unlock should fail")
	}
	if res := s.Unlock(address.MustParse("/w"), "s-a"); res.Status != SetAccepted {
		t.Fatal("holder unlock should succeed")
	}
}

func TestValidatorRejectsWrite(t *testing.T) {
	s := newStore(t)
	wantErr := errors.New("negative brightness")
	s.SetValidator(func(addr address.Address, v value.Value, writer string) error {
		if f, ok := v.AsFloat(); ok && f < 0 {
			return wantErr
		}
		return nil
	})
	res := s.Set(address.MustParse("/lights/a"), value.Float(-1), "s-1", 1000, nil, LockNone)
	if res.Status != SetInvalidValue || !errors.Is(res.Err, wantErr) {
		t.Fatalf("got %+v, want invalid value", res)
	}
	if _, ok := s.Get(address.MustParse("/lights/a")); ok {
		t.Error("rejected write must not be stored")
	}
}

func TestAllowNullWriteDeletes(t *testing.T) {
	s, err := New(Config{AllowNullWrite: true})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, s, "/x", value.Int(1), "s-1")
	res := s.Set(address.MustParse("/x"), value.Null(), "s-1", 1000, nil, LockNone)
	if res.Status != SetAccepted {
		t.Fatal(res.Status)
	}
	if _, ok := s.Get(address.MustParse("/x")); ok {
		t.Error("null write should delete when AllowNullWrite is set")
	}
}

func TestNullWriteStoresByDefault(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/x", value.Null(), "s-1")
	rec, ok := s.Get(address.MustParse("/x"))
	if !ok || !rec.Value.IsNull() {
		t.Error("null should be stored like any value by default")
	}
}

func TestSnapshotPatternAndOrder(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/lights/b", value.Int(2), "s-1")
	mustSet(t, s, "/lights/a", value.Int(1), "s-1")
	mustSet(t, s, "/audio/x", value.Int(3), "s-1")

	entries := s.Snapshot(address.MustParsePattern("/lights/**"), "s-2", nil, nil)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Address != "/lights/a" || entries[1].Address != "/lights/b" {
		t.Errorf("snapshot not ordered: %v", []string{entries[0].Address, entries[1].Address})
	}
}

func TestSnapshotVisibilityAndRedaction(t *testing.T) {
	s := newStore(t)
	mustSet(t, s, "/public/a", value.Int(1), "s-1")
	mustSet(t, s, "/secret/b", value.String("token"), "s-1")

	vis := func(addr string, rec Record, session string) bool {
		return addr[:7] != "/secret"
	}
	red := func(addr string, v value.Value, session string) value.Value {
		return value.String("redacted")
	}
	entries := s.Snapshot(address.MustParsePattern("/**"), "s-2", vis, red)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if sv, _ := entries[0].Record.Value.AsString(); sv != "redacted" {
		t.Errorf("value = %s, want redacted", entries[0].Record.Value)
	}
}

func TestSweepTTL(t *testing.T) {
	s := newStore(t)
	s.Set(address.MustParse("/old"), value.Int(1), "s-1", 1000, nil, LockNone)
	s.Set(address.MustParse("/new"), value.Int(2), "s-1", 900_000, nil, LockNone)

	expired := s.SweepTTL(1_000_000, 500_000)
	if len(expired) != 1 || expired[0] != "/old" {
		t.Fatalf("expired = %v, want [/old]", expired)
	}
	if _, ok := s.Get(address.MustParse("/old")); ok {
		t.Error("expired param should be gone")
	}
	if _, ok := s.Get(address.MustParse("/new")); !ok {
		t.Error("fresh param should survive")
	}
}

func TestSweepTTLSkipsLocked(t *testing.T) {
	s := newStore(t)
	s.Set(address.MustParse("/held"), value.Int(1), "s-1", 1000, nil, LockAcquire)
	expired := s.SweepTTL(1_000_000, 500_000)
	if len(expired) != 0 {
		t.Fatalf("expired = %v, want none while locked", expired)
	}
	s.ReleaseLocks("s-1")
	expired = s.SweepTTL(1_000_000, 500_000)
	if len(expired) != 1 {
		t.Fatal("param should expire after lock release")
	}
}

func TestConcurrentWritersDenseRevisions(t *testing.T) {
	s := newStore(t)
	const writers = 8
	const each = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				s.Set(address.MustParse("/hot"), value.Int(int64(i)), fmt.Sprintf("s-%d", w), 1000, nil, LockNone)
			}
		}(w)
	}
	wg.Wait()
	rec, ok := s.Get(address.MustParse("/hot"))
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Revision != writers*each {
		t.Errorf("final revision = %d, want %d (dense, no gaps)", rec.Revision, writers*each)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/clasp.db"

	p, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{Persister: p})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, s, "/x", value.Int(1), "s-1")
	mustSet(t, s, "/x", value.Int(2), "s-1")
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart: revisions continue from the stored maximum.
	p2, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	s2, err := New(Config{Persister: p2})
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := s2.Get(address.MustParse("/x"))
	if !ok || rec.Revision != 2 {
		t.Fatalf("reloaded record = %+v ok=%v, want revision 2", rec, ok)
	}
	rev := mustSet(t, s2, "/x", value.Int(3), "s-2")
	if rev != 3 {
		t.Errorf("revision after restart = %d, want 3", rev)
	}
}

func TestRevisionFloorSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/clasp.db"

	p, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(Config{Persister: p})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, s, "/x", value.Int(1), "s-1")
	mustSet(t, s, "/x", value.Int(2), "s-1")
	if res := s.Delete(address.MustParse("/x"), "s-1"); res.Status != SetAccepted {
		t.Fatalf("delete: status %d", res.Status)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	// Restart with the address deleted: a recreate must continue past the
	// pre-delete revision, not restart at 1.
	p2, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	s2, err := New(Config{Persister: p2})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Get(address.MustParse("/x")); ok {
		t.Fatal("deleted param must stay deleted across restart")
	}
	rev := mustSet(t, s2, "/x", value.Int(3), "s-2")
	if rev != 3 {
		t.Errorf("revision after delete+restart = %d, want 3 (floor honored)", rev)
	}
}
