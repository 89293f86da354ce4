// Package ratelimit enforces per-client request rates on the HTTP
// surface. This is separate from the generation admission gate: it
// bounds request arrival, not work in flight.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages token buckets keyed by client identity.
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewLimiter creates a limiter allowing requestsPerHour sustained with
// the given burst, per client.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

func (l *Limiter) limiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[client]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = limiter
	}
	return limiter
}

// Allow reports whether one more request from client fits its budget.
func (l *Limiter) Allow(client string) bool {
	return l.limiter(client).Allow()
}

// Tokens returns the client's remaining burst capacity.
func (l *Limiter) Tokens(client string) float64 {
	return l.limiter(client).Tokens()
}
