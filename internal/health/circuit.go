// Package health provides the circuit breaker, the metrics collector and the
// aggregated health report.
package health

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	// BreakerClosed allows all requests.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests until the timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows requests while probing for recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the state machine.
type BreakerConfig struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int
	// Timeout is how long the circuit stays open after the last failure
	// before probing.
	Timeout time.Duration
	// SuccessThreshold is the consecutive successes in half-open needed to
	// close again.
	SuccessThreshold int
	// Window bounds how long failures count toward the threshold.
	Window time.Duration
}

// DefaultBreakerConfig matches the server-wide defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 3,
		Window:           5 * time.Minute,
	}
}

// Breaker is a three-state circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	windowStart  time.Time
	lastFailure  time.Time
	stateChanged time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: BreakerClosed, stateChanged: time.Now()}
}

// Name identifies the breaker in reports.
func (b *Breaker) Name() string { return b.name }

// CanExecute reports whether a request may proceed. An open breaker whose
// timeout has elapsed transitions to half-open and admits the request.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.cfg.Timeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.stateChanged = time.Now()
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess feeds a successful operation into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.stateChanged = time.Now()
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure feeds a failed operation into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.lastFailure = now
	switch b.state {
	case BreakerClosed:
		if b.cfg.Window > 0 && !b.windowStart.IsZero() && now.Sub(b.windowStart) > b.cfg.Window {
			b.failures = 0
		}
		if b.failures == 0 {
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.successes = 0
			b.stateChanged = now
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
		b.stateChanged = now
	}
}

// State returns the current state, applying the open-to-half-open timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.stateChanged = time.Now()
	}
	return b.state
}

// IsOpen reports whether the breaker currently rejects requests.
func (b *Breaker) IsOpen() bool { return b.State() == BreakerOpen }

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.stateChanged = time.Now()
}

// BreakerSet manages named breakers that share one configuration, e.g. one
// per player in the replication engine.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: map[string]*Breaker{}}
}

// Get returns the breaker for name, creating it closed on first use.
func (s *BreakerSet) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = NewBreaker(name, s.cfg)
		s.breakers[name] = b
	}
	return b
}

// Remove drops the breaker for name.
func (s *BreakerSet) Remove(name string) {
	s.mu.Lock()
	delete(s.breakers, name)
	s.mu.Unlock()
}

// OpenCount returns how many breakers currently reject requests.
func (s *BreakerSet) OpenCount() int {
	s.mu.Lock()
	snapshot := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		snapshot = append(snapshot, b)
	}
	s.mu.Unlock()
	open := 0
	for _, b := range snapshot {
		if b.IsOpen() {
			open++
		}
	}
	return open
}

// OpenNames returns the names of all currently open breakers.
func (s *BreakerSet) OpenNames() []string {
	s.mu.Lock()
	snapshot := make(map[string]*Breaker, len(s.breakers))
	for n, b := range s.breakers {
		snapshot[n] = b
	}
	s.mu.Unlock()
	var names []string
	for n, b := range snapshot {
		if b.IsOpen() {
			names = append(names, n)
		}
	}
	return names
}
