// Package store implements the authoritative CLASP param state: an
// address-keyed map with monotonic revisions, exclusive locks, TTL expiry,
// and snapshot queries. The map is sharded by address hash; operations are
// linearizable per address.
package store

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
)

const shardCount = 16

// Record is one stored param.
type Record struct {
	Value       value.Value
	Revision    uint64
	Writer      string // session id of the last committing writer
	TimestampUS int64  // time of last accepted write
	LockHolder  string // session id holding the lock; "" = unlocked
	LastTouchUS int64  // feeds the TTL sweep
}

// SetStatus is the outcome class of a write attempt.
type SetStatus uint8

const (
	SetAccepted SetStatus = iota
	SetRevisionConflict
	SetLockHeld
	SetInvalidValue
)

// SetResult reports the outcome of Set.
type SetResult struct {
	Status      SetStatus
	NewRevision uint64 // valid when accepted
	CurRevision uint64 // current revision on conflict
	Holder      string // lock holder on SetLockHeld
	Err         error  // validator error on SetInvalidValue
}

// LockOp optionally changes lock state as part of a Set.
type LockOp uint8

const (
	LockNone LockOp = iota
	LockAcquire
	LockRelease
)

// Validator vets a write before it is applied. A non-nil error rejects the
// write as InvalidValue.
type Validator func(addr address.Address, v value.Value, writer string) error

// Config carries store options.
type Config struct {
	// AllowNullWrite treats a write of Null as a delete when set.
	AllowNullWrite bool

	// Persister, when non-nil, is loaded at New and written through on every
	// accepted mutation so revisions survive restarts.
	Persister Persister

	Logger *slog.Logger
}

type shard struct {
	mu     sync.RWMutex
	params map[string]*Record
	// lastRev retains the high-water revision of deleted addresses so a
	// recreate keeps the revision sequence strictly increasing.
	lastRev map[string]uint64
}

// Store is the shared param state. All methods are safe for concurrent use.
type Store struct {
	shards [shardCount]shard

	valMu    sync.RWMutex
	validate Validator

	allowNullWrite bool
	persist        Persister
	log            *slog.Logger
}

// New creates a store. When cfg.Persister is set, persisted params and
// revision floors are loaded before the store is returned.
func New(cfg Config) (*Store, error) {
	s := &Store{
		allowNullWrite: cfg.AllowNullWrite,
		persist:        cfg.Persister,
		log:            cfg.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for i := range s.shards {
		s.shards[i].params = make(map[string]*Record)
		s.shards[i].lastRev = make(map[string]uint64)
	}
	if s.persist != nil {
		records, err := s.persist.LoadParams()
		if err != nil {
			return nil, err
		}
		for addr, rec := range records {
			sh := s.shardFor(addr)
			cp := rec
			cp.LockHolder = "" // locks do not survive restarts
			sh.params[addr] = &cp
			sh.lastRev[addr] = cp.Revision
		}
		// Floors cover deleted addresses: a recreate must continue past the
		// pre-delete revision, not restart at 1.
		floors, err := s.persist.LoadFloors()
		if err != nil {
			return nil, err
		}
		for addr, floor := range floors {
			sh := s.shardFor(addr)
			if floor > sh.lastRev[addr] {
				sh.lastRev[addr] = floor
			}
		}
	}
	return s, nil
}

func (s *Store) shardFor(addr string) *shard {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return &s.shards[h.Sum32()%shardCount]
}

// SetValidator installs the external write validator.
func (s *Store) SetValidator(v Validator) {
	s.valMu.Lock()
	s.validate = v
	s.valMu.Unlock()
}

// Validate runs the external validator without writing. Bundle application
// uses it to vet every inner write before any is applied.
func (s *Store) Validate(addr address.Address, v value.Value, writer string) error {
	return s.runValidator(addr, v, writer)
}

func (s *Store) runValidator(addr address.Address, v value.Value, writer string) error {
	s.valMu.RLock()
	fn := s.validate
	s.valMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(addr, v, writer)
}

// Set applies one write. expectedRev, when non-nil, must equal the current
// revision or the write fails with SetRevisionConflict. lockOp acquires or
// releases the address lock in the same step.
func (s *Store) Set(addr address.Address, v value.Value, writer string, nowUS int64, expectedRev *uint64, lockOp LockOp) SetResult {
	if err := s.runValidator(addr, v, writer); err != nil {
		return SetResult{Status: SetInvalidValue, Err: err}
	}
	if s.allowNullWrite && v.IsNull() {
		return s.deleteLocked(addr.String(), writer, expectedRev)
	}

	key := addr.String()
	sh := s.shardFor(key)
	sh.mu.Lock()

	rec := sh.params[key]
	if rec != nil && rec.LockHolder != "" && rec.LockHolder != writer {
		holder := rec.LockHolder
		sh.mu.Unlock()
		return SetResult{Status: SetLockHeld, Holder: holder}
	}

	var cur uint64
	if rec != nil {
		cur = rec.Revision
	} else {
		cur = 0
		if floor, ok := sh.lastRev[key]; ok {
			cur = floor
		}
	}
	if expectedRev != nil {
		// A fresh address has revision 0; any expectation against a missing
		// or mismatched revision is a conflict.
		observed := uint64(0)
		if rec != nil {
			observed = rec.Revision
		}
		if *expectedRev != observed {
			sh.mu.Unlock()
			return SetResult{Status: SetRevisionConflict, CurRevision: observed}
		}
	}

	next := cur + 1
	if rec == nil {
		rec = &Record{}
		sh.params[key] = rec
	}
	rec.Value = v
	rec.Revision = next
	rec.Writer = writer
	rec.TimestampUS = nowUS
	rec.LastTouchUS = nowUS
	switch lockOp {
	case LockAcquire:
		rec.LockHolder = writer
	case LockRelease:
		if rec.LockHolder == writer {
			rec.LockHolder = ""
		}
	}
	sh.lastRev[key] = next
	saved := *rec
	sh.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveParam(key, saved); err != nil {
			s.log.Warn("param persist failed", "address", key, "err", err)
		}
	}
	return SetResult{Status: SetAccepted, NewRevision: next}
}

// Delete removes a param. Deleting a missing address is accepted (idempotent).
// A lock held by another session blocks the delete.
func (s *Store) Delete(addr address.Address, writer string) SetResult {
	return s.deleteLocked(addr.String(), writer, nil)
}

func (s *Store) deleteLocked(key, writer string, expectedRev *uint64) SetResult {
	sh := s.shardFor(key)
	sh.mu.Lock()
	rec := sh.params[key]
	if rec != nil && rec.LockHolder != "" && rec.LockHolder != writer {
		holder := rec.LockHolder
		sh.mu.Unlock()
		return SetResult{Status: SetLockHeld, Holder: holder}
	}
	if expectedRev != nil {
		observed := uint64(0)
		if rec != nil {
			observed = rec.Revision
		}
		if *expectedRev != observed {
			sh.mu.Unlock()
			return SetResult{Status: SetRevisionConflict, CurRevision: observed}
		}
	}
	if rec != nil {
		sh.lastRev[key] = rec.Revision
		delete(sh.params, key)
	}
	sh.mu.Unlock()

	if rec != nil && s.persist != nil {
		if err := s.persist.DeleteParam(key); err != nil {
			s.log.Warn("param delete persist failed", "address", key, "err", err)
		}
	}
	return SetResult{Status: SetAccepted}
}

// Get returns a copy of the record for addr.
func (s *Store) Get(addr address.Address) (Record, bool) {
	sh := s.shardFor(addr.String())
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.params[addr.String()]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Lock acquires the exclusive write lock for session. Fails when another
// session holds it or the address does not exist.
func (s *Store) Lock(addr address.Address, session string) SetResult {
	key := addr.String()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.params[key]
	if !ok {
		return SetResult{Status: SetRevisionConflict} // no such param
	}
	if rec.LockHolder != "" && rec.LockHolder != session {
		return SetResult{Status: SetLockHeld, Holder: rec.LockHolder}
	}
	rec.LockHolder = session
	return SetResult{Status: SetAccepted, NewRevision: rec.Revision}
}

// Unlock releases the lock when session holds it.
func (s *Store) Unlock(addr address.Address, session string) SetResult {
	key := addr.String()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.params[key]
	if !ok {
		return SetResult{Status: SetRevisionConflict}
	}
	if rec.LockHolder != "" && rec.LockHolder != session {
		return SetResult{Status: SetLockHeld, Holder: rec.LockHolder}
	}
	rec.LockHolder = ""
	return SetResult{Status: SetAccepted, NewRevision: rec.Revision}
}

// ReleaseLocks drops every lock held by session and returns the affected
// addresses. Called on session teardown.
func (s *Store) ReleaseLocks(session string) []string {
	var released []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for addr, rec := range sh.params {
			if rec.LockHolder == session {
				rec.LockHolder = ""
				released = append(released, addr)
			}
		}
		sh.mu.Unlock()
	}
	return released
}

// Visibility decides whether a session may see a record in snapshots.
// A nil policy admits everything.
type Visibility func(addr string, rec Record, session string) bool

// Redactor rewrites a record's value before snapshot delivery. A nil policy
// passes values through.
type Redactor func(addr string, v value.Value, session string) value.Value

// SnapshotEntry is one visible record in a snapshot query.
type SnapshotEntry struct {
	Address string
	Record  Record
}

// Snapshot returns every param matching pattern, filtered by visibility and
// with redactions applied, ordered by address.
func (s *Store) Snapshot(pattern address.Pattern, session string, vis Visibility, red Redactor) []SnapshotEntry {
	var out []SnapshotEntry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, rec := range sh.params {
			addr, err := address.Parse(key)
			if err != nil {
				continue
			}
			if !pattern.Matches(addr) {
				continue
			}
			if vis != nil && !vis(key, *rec, session) {
				continue
			}
			cp := *rec
			if red != nil {
				cp.Value = red(key, cp.Value, session)
			}
			out = append(out, SnapshotEntry{Address: key, Record: cp})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SweepTTL removes params whose last touch is older than ttlUS and returns
// the expired addresses. Locked params are skipped: a live lock is a
// liveness claim, so expiry waits for release.
func (s *Store) SweepTTL(nowUS, ttlUS int64) []string {
	if ttlUS <= 0 {
		return nil
	}
	var expired []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for addr, rec := range sh.params {
			if rec.LockHolder != "" {
				continue
			}
			if rec.LastTouchUS+ttlUS < nowUS {
				sh.lastRev[addr] = rec.Revision
				delete(sh.params, addr)
				expired = append(expired, addr)
			}
		}
		sh.mu.Unlock()
	}
	if s.persist != nil {
		for _, addr := range expired {
			if err := s.persist.DeleteParam(addr); err != nil {
				s.log.Warn("ttl delete persist failed", "address", addr, "err", err)
			}
		}
	}
	return expired
}

// Count returns the number of stored params.
func (s *Store) Count() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.params)
		sh.mu.RUnlock()
	}
	return n
}
