package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a per-key token bucket. Every key shares the same capacity and
// refill rate.
type Limiter struct {
	mu         sync.Mutex
	m          map[string]*bucket
	capacity   float64
	refillRate float64 // tokens per second
	idleTTL    time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

// New creates a limiter allowing burst requests at once and refilling at
// rps tokens per second.
func New(rps float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	capacity := float64(burst)
	idle := time.Minute
	if rps > 0 {
		// a full refill plus slack; buckets idle that long are equivalent to new ones
		if d := time.Duration(capacity / rps * float64(time.Second)); d > idle {
			idle = d
		}
	}
	return &Limiter{
		m:          make(map[string]*bucket),
		capacity:   capacity,
		refillRate: rps,
		idleTTL:    idle,
		now:        time.Now,
	}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.m[key] = b
	}
	// refill
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refillRate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter estimates how long key must wait for the next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.m[key]
	if !ok || b.tokens >= 1 || l.refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - b.tokens) / l.refillRate * float64(time.Second))
}

// Len reports the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for k, b := range l.m {
		if now.Sub(b.last) >= l.idleTTL {
			delete(l.m, k)
		}
	}
}
