// Package subs implements the subscription index: it reverse-matches a
// published address to every interested session and applies per-subscription
// delivery options (rate limit, numeric epsilon, type mask).
package subs

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/lumencanvas/clasp/internal/address"
	"github.com/lumencanvas/clasp/internal/value"
	"github.com/lumencanvas/clasp/internal/wire"
)

// Options are the delivery options carried by a subscription.
type Options struct {
	HasMaxRate bool
	MaxRate    uint16 // updates per second

	HasEpsilon bool
	Epsilon    float64 // minimum numeric delta to trigger delivery

	History uint16 // initial replay count, serviced by a journal collaborator
	WindowS uint32 // replay window seconds, serviced by a journal collaborator
}

// Subscription is one registered (session, id, pattern) with its options.
type Subscription struct {
	Session  string
	ID       uint32
	Pattern  address.Pattern
	TypeMask uint8
	Opts     Options

	limiter *rate.Limiter

	// lastNumeric caches the last delivered numeric value per address for
	// epsilon gating.
	mu          sync.Mutex
	lastNumeric map[string]float64
}

// Admit decides whether one update passes this subscription's rate and
// epsilon gates, consuming a rate token and updating the epsilon cache when
// it does. The epsilon gate only applies to numeric values.
func (s *Subscription) Admit(addr string, v value.Value) bool {
	var n float64
	var numeric bool
	if s.Opts.HasEpsilon {
		if n, numeric = v.Numeric(); numeric {
			s.mu.Lock()
			last, seen := s.lastNumeric[addr]
			s.mu.Unlock()
			if seen && abs(n-last) < s.Opts.Epsilon {
				return false
			}
		}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	// The cache updates only on an admitted delivery, so a rate-dropped
	// update does not suppress the next one.
	if numeric {
		s.mu.Lock()
		s.lastNumeric[addr] = n
		s.mu.Unlock()
	}
	return true
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Index is the shared subscription registry. Reads (Match) dominate; writes
// happen on subscribe/unsubscribe and session teardown.
type Index struct {
	mu sync.RWMutex

	// exact holds subscriptions whose pattern has no wildcards, keyed by the
	// pattern string for hash lookup. patterns holds the rest, scanned in
	// registration order.
	exact    map[string][]*Subscription
	patterns []*Subscription

	bySession map[string]map[uint32]*Subscription
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		exact:     make(map[string][]*Subscription),
		bySession: make(map[string]map[uint32]*Subscription),
	}
}

// Add registers a subscription. Re-adding an existing (session, id) replaces
// the previous registration.
func (ix *Index) Add(session string, id uint32, pattern address.Pattern, typeMask uint8, opts Options) *Subscription {
	sub := &Subscription{
		Session:  session,
		ID:       id,
		Pattern:  pattern,
		TypeMask: typeMask,
		Opts:     opts,
	}
	if opts.HasMaxRate && opts.MaxRate > 0 {
		burst := int(opts.MaxRate)
		if burst < 1 {
			burst = 1
		}
		sub.limiter = rate.NewLimiter(rate.Limit(opts.MaxRate), burst)
	}
	if opts.HasEpsilon {
		sub.lastNumeric = make(map[string]float64)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.bySession[session][id]; ok {
		ix.removeLocked(old)
	}
	if ix.bySession[session] == nil {
		ix.bySession[session] = make(map[uint32]*Subscription)
	}
	ix.bySession[session][id] = sub
	if pattern.IsExact() {
		ix.exact[pattern.String()] = append(ix.exact[pattern.String()], sub)
	} else {
		ix.patterns = append(ix.patterns, sub)
	}
	return sub
}

// Remove drops one subscription. Returns false when it was not registered.
func (ix *Index) Remove(session string, id uint32) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sub, ok := ix.bySession[session][id]
	if !ok {
		return false
	}
	ix.removeLocked(sub)
	delete(ix.bySession[session], id)
	if len(ix.bySession[session]) == 0 {
		delete(ix.bySession, session)
	}
	return true
}

// RemoveSession drops every subscription held by session and returns how
// many were removed.
func (ix *Index) RemoveSession(session string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	subs := ix.bySession[session]
	for _, sub := range subs {
		ix.removeLocked(sub)
	}
	delete(ix.bySession, session)
	return len(subs)
}

func (ix *Index) removeLocked(sub *Subscription) {
	key := sub.Pattern.String()
	if sub.Pattern.IsExact() {
		bucket := ix.exact[key]
		for i, s := range bucket {
			if s == sub {
				ix.exact[key] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(ix.exact[key]) == 0 {
			delete(ix.exact, key)
		}
		return
	}
	for i, s := range ix.patterns {
		if s == sub {
			ix.patterns = append(ix.patterns[:i], ix.patterns[i+1:]...)
			break
		}
	}
}

// SessionCount returns the number of subscriptions held by session.
func (ix *Index) SessionCount(session string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.bySession[session])
}

// Match returns every subscription interested in an update of signalType at
// addr: exact-pattern hits first, then wildcard patterns, each in
// registration order. Rate and epsilon gates are applied per delivery via
// Subscription.Admit, not here.
func (ix *Index) Match(addr address.Address, signalType wire.SignalType) []*Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*Subscription
	for _, sub := range ix.exact[addr.String()] {
		if sub.TypeMask&signalType.Mask() != 0 {
			out = append(out, sub)
		}
	}
	for _, sub := range ix.patterns {
		if sub.TypeMask&signalType.Mask() == 0 {
			continue
		}
		if sub.Pattern.Matches(addr) {
			out = append(out, sub)
		}
	}
	return out
}
