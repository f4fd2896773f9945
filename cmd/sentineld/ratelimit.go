package main

import (
	"sync"

	"golang.org/x/time/rate"
)

// clientLimiterStore hands out one token-bucket limiter per client IP,
// grounded on the teacher's per-peer rate limiting: a fixed rate and burst
// shared across every bucket, lazily created on first sight of a client.
type clientLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newClientLimiterStore(r rate.Limit, burst int) *clientLimiterStore {
	return &clientLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		burst:    burst,
	}
}

func (s *clientLimiterStore) allow(clientID string) bool {
	s.mu.Lock()
	l, ok := s.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(s.r, s.burst)
		s.limiters[clientID] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
