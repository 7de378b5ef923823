package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the limiter's answer for one outgoing call. A denied call
// carries how long until a token would be available.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// TokenBucket holds one provider's budget.
// - rate: tokens per second
// - capacity: maximum tokens the bucket can hold (burst)
// The bucket starts full.
type TokenBucket struct {
	lim *rate.Limiter
}

func NewTokenBucket(tokensPerSecond float64, burst int) *TokenBucket {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 0.0000001
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(tokensPerSecond), burst)}
}

// NewPerMinute builds a bucket from a requests-per-minute budget.
func NewPerMinute(rpm, burst int) *TokenBucket {
	return NewTokenBucket(float64(rpm)/60.0, burst)
}

// NewMinInterval allows one call per interval with no burst.
func NewMinInterval(interval time.Duration) *TokenBucket {
	return &TokenBucket{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// take consumes a token if one is available at now. It never sleeps.
func (tb *TokenBucket) take(now time.Time) Decision {
	if tb.lim.AllowN(now, 1) {
		return Decision{Admitted: true}
	}
	r := tb.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Duration(math.MaxInt64)}
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{RetryAfter: wait}
}

// Limiter keeps a token bucket per provider tag. Providers without a bucket
// are always admitted.
type Limiter struct {
	now func() time.Time

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// New returns an empty limiter. A nil clock means time.Now.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{now: now, buckets: make(map[string]*TokenBucket)}
}

// Set installs or replaces the bucket for provider. A nil bucket removes it.
func (l *Limiter) Set(provider string, tb *TokenBucket) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tb == nil {
		delete(l.buckets, provider)
		return
	}
	l.buckets[provider] = tb
}

// Admit decides whether provider may be called now.
func (l *Limiter) Admit(provider string) Decision {
	l.mu.RLock()
	tb := l.buckets[provider]
	l.mu.RUnlock()
	if tb == nil {
		return Decision{Admitted: true}
	}
	return tb.take(l.now())
}
