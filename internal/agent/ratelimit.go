package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling backend calls.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

// refill adds the tokens earned since the last call. Caller holds mu.
func (rl *RateLimiter) refill(now time.Time) {
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}
		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// full reports whether the bucket has refilled completely.
func (rl *RateLimiter) full(now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(now)
	return rl.tokens >= rl.max
}

// KeyedLimiter keeps one bucket per key, e.g. per sender, so one chatty user
// cannot starve everyone else of the backend.
type KeyedLimiter struct {
	burst         int
	ratePerMinute float64

	mu      sync.Mutex
	buckets map[string]*RateLimiter
	calls   int
}

// NewKeyedLimiter returns nil when ratePerMinute is not positive; a nil
// limiter never blocks.
func NewKeyedLimiter(burst int, ratePerMinute float64) *KeyedLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	return &KeyedLimiter{
		burst:         burst,
		ratePerMinute: ratePerMinute,
		buckets:       make(map[string]*RateLimiter),
	}
}

// Wait blocks until key may make another call or ctx is done.
func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if k == nil {
		return nil
	}
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = NewRateLimiter(k.burst, k.ratePerMinute)
		k.buckets[key] = b
	}
	k.calls++
	if k.calls%256 == 0 {
		k.sweepLocked(time.Now())
	}
	k.mu.Unlock()
	return b.Wait(ctx)
}

// sweepLocked drops buckets that have refilled; they are indistinguishable
// from new ones.
func (k *KeyedLimiter) sweepLocked(now time.Time) {
	for key, b := range k.buckets {
		if b.full(now) {
			delete(k.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
