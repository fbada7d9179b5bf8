package einoah

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter holds a token bucket per key (user ID, client IP).
// Buckets unused for longer than idleTTL are dropped by prune.
type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	idleTTL  time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyedLimiter returns a limiter allowing perSecond events per key,
// with bursts of burst. A perSecond of 0 disables limiting.
func newKeyedLimiter(perSecond float64, burst int) *keyedLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &keyedLimiter{
		limit:    limit,
		burst:    burst,
		limiters: map[string]*limiterEntry{},
		idleTTL:  10 * time.Minute,
	}
}

func (l *keyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// SetLimit updates the limit of existing and future buckets
func (l *keyedLimiter) SetLimit(perSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(perSecond)
	if perSecond <= 0 {
		l.limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	l.burst = burst
	for _, entry := range l.limiters {
		entry.limiter.SetLimit(l.limit)
		entry.limiter.SetBurst(l.burst)
	}
}

// prune drops idle buckets, returning how many were removed
func (l *keyedLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-l.idleTTL)
	removed := 0
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

func (l *keyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
