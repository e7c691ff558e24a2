// Package clock implements NTP-style four-timestamp clock synchronisation
// between a client and the router. Offset and RTT are smoothed with an
// exponential moving average; jitter is the standard deviation of the RTT
// over a sliding window.
package clock

import (
	"math"
	"sync"
	"time"
)

const (
	// emaAlpha is the smoothing factor applied to offset and RTT.
	emaAlpha = 0.3

	// jitterWindow is how many recent RTT samples feed the jitter estimate.
	jitterWindow = 16

	// DefaultSyncInterval is how often the router drives SYNC exchanges.
	DefaultSyncInterval = 30 * time.Second
)

// Sync tracks the estimated clock relationship with one peer.
// All methods are safe for concurrent use.
type Sync struct {
	mu          sync.Mutex
	offsetUS    float64
	rttUS       float64
	rttSamples  []float64 // ring of the last jitterWindow RTTs
	sampleCount int
	lastSyncUS  int64
}

// New returns an empty estimator with no samples.
func New() *Sync {
	return &Sync{}
}

// ProcessSync folds one four-timestamp exchange into the estimate.
// t1: client send, t2: server receive, t3: server send, t4: client receive,
// all in microseconds. The first sample seeds the EMA directly.
func (s *Sync) ProcessSync(t1, t2, t3, t4 int64) {
	offset := float64((t2-t1)+(t3-t4)) / 2
	rtt := float64((t4 - t1) - (t3 - t2))
	if rtt < 0 {
		rtt = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sampleCount == 0 {
		s.offsetUS = offset
		s.rttUS = rtt
	} else {
		s.offsetUS = emaAlpha*offset + (1-emaAlpha)*s.offsetUS
		s.rttUS = emaAlpha*rtt + (1-emaAlpha)*s.rttUS
	}

	s.rttSamples = append(s.rttSamples, rtt)
	if len(s.rttSamples) > jitterWindow {
		s.rttSamples = s.rttSamples[len(s.rttSamples)-jitterWindow:]
	}
	s.sampleCount++
	s.lastSyncUS = t4
}

// jitterLocked returns the RTT standard deviation over the window.
func (s *Sync) jitterLocked() float64 {
	n := len(s.rttSamples)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, r := range s.rttSamples {
		mean += r
	}
	mean /= float64(n)
	var sq float64
	for _, r := range s.rttSamples {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// OffsetUS returns the current offset estimate in microseconds.
func (s *Sync) OffsetUS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(math.Round(s.offsetUS))
}

// RTTUS returns the smoothed round-trip time in microseconds.
func (s *Sync) RTTUS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(math.Round(s.rttUS))
}

// JitterUS returns the RTT jitter estimate in microseconds.
func (s *Sync) JitterUS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(math.Round(s.jitterLocked()))
}

// SampleCount returns how many exchanges have been processed.
func (s *Sync) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleCount
}

// Quality scores the estimate in [0,1]: low RTT, low jitter, and enough
// samples each contribute.
func (s *Sync) Quality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleCount == 0 {
		return 0
	}
	fRTT := math.Max(0, 1-s.rttUS/10000)
	fJitter := math.Max(0, 1-s.jitterLocked()/1000)
	fSamples := math.Min(1, float64(s.sampleCount)/10)
	return 0.4*fRTT + 0.4*fJitter + 0.2*fSamples
}

// NeedsSync reports whether the last exchange is older than maxAge, measured
// against nowUS in the same clock domain as the t4 timestamps.
func (s *Sync) NeedsSync(nowUS int64, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sampleCount == 0 {
		return true
	}
	return nowUS-s.lastSyncUS > maxAge.Microseconds()
}

// ToServerTime converts a local microsecond timestamp to server time.
func (s *Sync) ToServerTime(localUS int64) int64 {
	return localUS + s.OffsetUS()
}

// ToLocalTime converts a server microsecond timestamp to local time.
func (s *Sync) ToLocalTime(serverUS int64) int64 {
	return serverUS - s.OffsetUS()
}
