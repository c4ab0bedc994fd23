package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// idleTTL is how long an untouched bucket is kept before it is pruned
const idleTTL = 10 * time.Minute

// Limiter is a token bucket rate limiter with one bucket per key
type Limiter struct {
	rate  float64 // tokens per second
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
	logger    *logrus.Entry
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewLimiter creates a limiter refilling rate tokens per second up to burst
func NewLimiter(rate float64, burst int, logger *logrus.Logger) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  logger.WithField("component", "rate_limiter"),
	}
}

// Allow spends one token of key. When none is left it returns false and how
// long until the next token is available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	b := l.refillLocked(key, now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	if l.rate <= 0 {
		return false, idleTTL
	}
	wait := time.Duration((1 - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

// Tokens returns the tokens key could spend now
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return float64(l.burst)
	}
	elapsed := l.now().Sub(b.lastUpdate).Seconds()
	return math.Min(b.tokens+elapsed*l.rate, float64(l.burst))
}

// Clients returns the number of tracked keys
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Rate returns the refill rate in tokens per second
func (l *Limiter) Rate() float64 {
	return l.rate
}

func (l *Limiter) refillLocked(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastUpdate: now}
		l.buckets[key] = b
		return b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = math.Min(b.tokens+elapsed*l.rate, float64(l.burst))
	b.lastUpdate = now
	return b
}

// pruneLocked drops idle buckets at most once per idleTTL
func (l *Limiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < idleTTL {
		return
	}
	l.lastPrune = now

	pruned := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > idleTTL {
			delete(l.buckets, key)
			pruned++
		}
	}
	if pruned > 0 {
		l.logger.WithField("pruned", pruned).Debug("Dropped idle rate limit buckets")
	}
}
