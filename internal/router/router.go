// Package router implements the CLASP routing engine: session lifecycle,
// message dispatch, param fan-out, snapshots, bundles, gesture coalescing,
// and rate limits. The router is transport-agnostic; transports hand it
// framed bytes via the transport contract.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumencanvas/clasp/internal/auth"
	"github.com/lumencanvas/clasp/internal/metrics"
	"github.com/lumencanvas/clasp/internal/store"
	"github.com/lumencanvas/clasp/internal/subs"
	"github.com/lumencanvas/clasp/internal/transport"
)

// SecurityMode selects whether HELLO tokens are validated.
type SecurityMode uint8

const (
	// Open admits every HELLO with full access. For closed networks and dev.
	Open SecurityMode = iota
	// Authenticated requires the validator chain to accept the HELLO token.
	Authenticated
)

// Config carries the recognized router options. The zero value is a usable
// open-mode router with defaults applied by New.
type Config struct {
	// Name is reported to clients in WELCOME.
	Name string

	// MaxSessions rejects HELLO when exceeded. 0 = unlimited.
	MaxSessions int

	// SessionTimeout is the idle timeout; it also bounds the HELLO wait.
	SessionTimeout time.Duration

	// SecurityMode gates the validator chain.
	SecurityMode SecurityMode

	// MaxSubscriptionsPerSession rejects SUBSCRIBE past the limit. 0 = unlimited.
	MaxSubscriptionsPerSession int

	// GestureCoalescing holds back gesture Move publishes to at most one per
	// GestureCoalesceInterval per subscriber.
	GestureCoalescing       bool
	GestureCoalesceInterval time.Duration

	// RateLimitingEnabled applies a per-session inbound token bucket of
	// MaxMessagesPerSecond.
	RateLimitingEnabled  bool
	MaxMessagesPerSecond int

	// ParamTTL expires params untouched for the duration. 0 disables.
	ParamTTL time.Duration

	// OutboundQueue bounds the per-session outbound frame queue.
	OutboundQueue int

	// SlowConsumerGrace is how long a Confirm/Commit delivery may block on a
	// full outbound queue before the subscriber is closed as too slow.
	SlowConsumerGrace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

const (
	defaultSessionTimeout    = 60 * time.Second
	defaultOutboundQueue     = 1000
	defaultSlowConsumerGrace = 5 * time.Second
	defaultGestureInterval   = 16 * time.Millisecond

	// serverFeatures is the feature mask advertised in WELCOME.
	serverFeatures uint8 = 0x01
)

// Router brokers CLASP signals between attached transports.
type Router struct {
	cfg   Config
	log   *slog.Logger
	state *store.Store
	index *subs.Index
	chain *auth.Chain
	rules *auth.RuleSet
	met   *metrics.Metrics

	// applyMu serializes bundle application against individual writes:
	// plain SETs take the read side, bundle apply takes the write side so a
	// validated bundle applies without interleaved writes.
	applyMu sync.RWMutex

	mu       sync.RWMutex
	sessions map[string]*session

	sched *scheduler

	snapMu   sync.RWMutex
	snapVis  store.Visibility
	snapRed  store.Redactor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router over a param store and validator chain. chain may be
// nil in Open mode.
func New(st *store.Store, chain *auth.Chain, cfg Config) *Router {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = defaultOutboundQueue
	}
	if cfg.SlowConsumerGrace <= 0 {
		cfg.SlowConsumerGrace = defaultSlowConsumerGrace
	}
	if cfg.GestureCoalesceInterval <= 0 {
		cfg.GestureCoalesceInterval = defaultGestureInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		log:      cfg.Logger,
		state:    st,
		index:    subs.NewIndex(),
		chain:    chain,
		rules:    auth.NewRuleSet(),
		met:      cfg.Metrics,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.sched = newScheduler(r)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sched.run(ctx)
	}()
	return r
}

// State returns the router's param store.
func (r *Router) State() *store.Store { return r.state }

// Rules returns the write-rule registry consulted on every SET.
func (r *Router) Rules() *auth.RuleSet { return r.rules }

// SetWriteValidator installs the external write validator on the store.
func (r *Router) SetWriteValidator(v store.Validator) {
	r.state.SetValidator(v)
}

// SetSnapshotFilter installs snapshot visibility and redaction policies.
func (r *Router) SetSnapshotFilter(vis store.Visibility, red store.Redactor) {
	r.snapMu.Lock()
	r.snapVis = vis
	r.snapRed = red
	r.snapMu.Unlock()
}

func (r *Router) snapshotPolicies() (store.Visibility, store.Redactor) {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	return r.snapVis, r.snapRed
}

// AttachTransport serves one connection until it closes. It returns
// immediately; the session runs on its own goroutine.
func (r *Router) AttachTransport(conn transport.Conn) {
	s := newSession(r, conn)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s.run(r.ctx)
	}()
}

// SessionCount returns the number of registered (post-WELCOME) sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Router) registerSession(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		return false
	}
	r.sessions[s.id] = s
	if r.met != nil {
		r.met.SessionsOpen.Inc()
	}
	return true
}

func (r *Router) unregisterSession(s *session) {
	r.mu.Lock()
	_, existed := r.sessions[s.id]
	delete(r.sessions, s.id)
	r.mu.Unlock()
	if !existed {
		return
	}
	if r.met != nil {
		r.met.SessionsOpen.Dec()
	}

	// Teardown order matters: subscriptions first so fan-out stops, then
	// locks (their release is observable), then pending bundles.
	r.index.RemoveSession(s.id)
	released := r.state.ReleaseLocks(s.id)
	for _, addr := range released {
		r.notifyLockRelease(addr)
	}
	r.sched.purgeSession(s.id)
}

// session looks up a live session by id.
func (r *Router) session(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SweepTTL expires stale params and notifies matching subscribers of the
// removals. Drive it from a ticker; it is also safe to call directly.
func (r *Router) SweepTTL() int {
	if r.cfg.ParamTTL <= 0 {
		return 0
	}
	expired := r.state.SweepTTL(nowUS(), r.cfg.ParamTTL.Microseconds())
	for _, addr := range expired {
		r.notifyExpiry(addr)
	}
	return len(expired)
}

// DriveSync sends an unsolicited SYNC to every active session carrying the
// server send timestamp. Clients answer with SYNC_RESPONSE.
func (r *Router) DriveSync() {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.sendSyncProbe()
	}
}

// Close drains every session and stops the scheduler.
func (r *Router) Close() {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	for _, s := range targets {
		s.drain()
	}
	r.cancel()
	r.wg.Wait()
}

// nowUS is the router's clock: microseconds since the Unix epoch.
func nowUS() int64 {
	return time.Now().UnixMicro()
}
