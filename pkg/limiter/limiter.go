// Package limiter throttles the public scan endpoint per client.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines a token bucket: RPM tokens per minute, at most Burst banked.
type Policy struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// ratePerSec converts RPM, falling back to one token per second.
func (p Policy) ratePerSec() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}

// LimiterStore holds rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// MemoryLimiterStore keeps buckets in-process, for single-instance
// deployments and tests.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	idle     time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{
		visitors: make(map[string]*visitor),
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(policy.ratePerSec()), policy.burst())}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, cost), nil
}

// Sweep drops buckets idle for longer than the idle window and returns how
// many remain.
func (s *MemoryLimiterStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.idle {
			delete(s.visitors, key)
		}
	}
	return len(s.visitors)
}

// Run sweeps idle buckets every interval until ctx is done.
func (s *MemoryLimiterStore) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
