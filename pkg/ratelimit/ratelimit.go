// Package ratelimit provides per-client request limiting with two backing
// stores: an in-process token bucket for single-node deployments, and a
// Redis fixed window for fleets that need a shared budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a per-client request budget.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

func (p Policy) limit() rate.Limit {
	return rate.Limit(float64(p.RequestsPerMinute) / 60.0)
}

// RetryAfterSeconds suggests a client backoff for a denied request.
func (p Policy) RetryAfterSeconds() int {
	if p.RequestsPerMinute <= 0 {
		return 1
	}
	s := 60 / p.RequestsPerMinute
	if s < 1 {
		s = 1
	}
	return s
}

// LimiterStore answers whether a client may make one more request.
type LimiterStore interface {
	Allow(ctx context.Context, key string, policy Policy) (bool, error)
}

// InMemoryStore keeps one token bucket per client key. Idle buckets are
// evicted so the map does not grow with client churn.
type InMemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleEviction = 10 * time.Minute

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{limiters: make(map[string]*clientLimiter)}
}

// Allow consumes one token from the client's bucket.
func (s *InMemoryStore) Allow(_ context.Context, key string, policy Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.limiters[key]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(policy.limit(), burst)}
		s.limiters[key] = cl
	}
	cl.lastSeen = time.Now()

	if len(s.limiters) > 1024 {
		s.evictIdleLocked()
	}
	return cl.limiter.Allow(), nil
}

func (s *InMemoryStore) evictIdleLocked() {
	cutoff := time.Now().Add(-idleEviction)
	for k, cl := range s.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(s.limiters, k)
		}
	}
}
