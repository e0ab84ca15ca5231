// Package ratelimit provides a per-key token bucket pool.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Pool hands out one limiter per key (typically a client IP).
type Pool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   int
	burst int
}

func NewPool(rps, burst int) *Pool {
	return &Pool{rps: rps, burst: burst}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

// Allow reports whether the key may proceed under its rate.
func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}
