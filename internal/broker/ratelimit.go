// ratelimit.go implements token-bucket rate limiting for Broker Manager RPCs.
//
// Details and position reads run every tick for every account, so their
// buckets are sized for sustained fleet-wide polling. Trade history reads
// run on a slower cadence and get a smaller bucket. Buckets refill
// continuously rather than in fixed windows.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64 // maximum bucket size
	rate   float64 // tokens added per second
	last   time.Time
}

// NewTokenBucket creates a limiter with the given burst size and refill rate.
func NewTokenBucket(burst, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens: burst,
		burst:  burst,
		rate:   ratePerSecond,
		last:   time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.last = now
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by broker RPC category.
type RateLimiter struct {
	Details   *TokenBucket // GET /accounts/{login}
	Positions *TokenBucket // GET /accounts/{login}/positions
	Trades    *TokenBucket // GET /accounts/{login}/trades
}

// NewRateLimiter creates the per-category buckets. Details and positions are
// polled every tick; trade history only every fifth tick.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Details:   NewTokenBucket(500, 100),
		Positions: NewTokenBucket(500, 100),
		Trades:    NewTokenBucket(100, 20),
	}
}
