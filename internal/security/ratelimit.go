// Package security enforces per-source rate limits, connection caps and
// inbound payload validation.
package security

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes the per-address token buckets.
type RateLimiterConfig struct {
	// MaxRequestsPerMinute is the bucket capacity; refill is spread evenly
	// over the minute.
	MaxRequestsPerMinute int
	// MaxConnectionsPerAddr caps concurrent connections from one address.
	MaxConnectionsPerAddr int
	// SweepAge is how long an idle bucket survives before the sweeper drops
	// it.
	SweepAge time.Duration
}

// DefaultRateLimiterConfig matches the server defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxRequestsPerMinute:  60,
		MaxConnectionsPerAddr: 10,
		SweepAge:              time.Hour,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per source address plus a concurrent
// connection counter per address.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	conns   map[string]int

	blocked atomic.Uint64
}

// NewRateLimiter creates a limiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxRequestsPerMinute <= 0 {
		cfg.MaxRequestsPerMinute = 1
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = time.Hour
	}
	return &RateLimiter{
		cfg:     cfg,
		buckets: map[string]*bucket{},
		conns:   map[string]int{},
	}
}

// Check consumes one token for addr. An empty bucket returns false and
// increments the blocked counter.
func (r *RateLimiter) Check(addr string) bool {
	r.mu.Lock()
	b, ok := r.buckets[addr]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(
				rate.Limit(float64(r.cfg.MaxRequestsPerMinute)/60.0),
				r.cfg.MaxRequestsPerMinute,
			),
		}
		r.buckets[addr] = b
	}
	b.lastSeen = time.Now()
	r.mu.Unlock()

	if b.limiter.Allow() {
		return true
	}
	r.blocked.Add(1)
	return false
}

// Blocked returns how many requests were rejected so far.
func (r *RateLimiter) Blocked() uint64 { return r.blocked.Load() }

// AcquireConnection counts a new connection for addr. Returns false when the
// per-address cap is reached; the accept should be rejected.
func (r *RateLimiter) AcquireConnection(addr string) bool {
	if r.cfg.MaxConnectionsPerAddr <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[addr] >= r.cfg.MaxConnectionsPerAddr {
		return false
	}
	r.conns[addr]++
	return true
}

// ReleaseConnection releases a slot taken by AcquireConnection.
func (r *RateLimiter) ReleaseConnection(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[addr] > 0 {
		r.conns[addr]--
		if r.conns[addr] == 0 {
			delete(r.conns, addr)
		}
	}
}

// Sweep drops buckets idle longer than the sweep age. Called periodically by
// the server loop.
func (r *RateLimiter) Sweep() int {
	cutoff := time.Now().Add(-r.cfg.SweepAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for addr, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, addr)
			removed++
		}
	}
	return removed
}

// TrackedAddrs returns how many addresses currently hold a bucket.
func (r *RateLimiter) TrackedAddrs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
