package resilience

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
)

// RateLimiterConfig describes a token bucket: at most MaxTokens, refilled by
// RefillRate tokens every RefillInterval.
type RateLimiterConfig struct {
	MaxTokens      int
	RefillRate     int
	RefillInterval time.Duration
}

// Validate rejects buckets that could never grant a token.
func (c RateLimiterConfig) Validate() error {
	if c.MaxTokens <= 0 {
		return errs.E(errs.KindValidation, "ratelimit.config", "maxTokens must be positive, got %d", c.MaxTokens)
	}
	if c.RefillRate <= 0 {
		return errs.E(errs.KindValidation, "ratelimit.config", "refillRate must be positive, got %d", c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return errs.E(errs.KindValidation, "ratelimit.config", "refillInterval must be positive, got %s", c.RefillInterval)
	}
	return nil
}

// RateLimiter is a token bucket evaluated lazily against the injected
// clock. The bucket starts full.
type RateLimiter struct {
	cfg     RateLimiterConfig
	clock   clock.Clock
	op      string
	mu      sync.Mutex
	limiter *rate.Limiter
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock injects the clock used for refill computations.
func WithLimiterClock(c clock.Clock) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clock = clock.OrReal(c)
	}
}

// WithOp sets the operation name reported in rate-limit errors.
func WithOp(op string) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.op = op
	}
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(cfg RateLimiterConfig, opts ...RateLimiterOption) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	every := cfg.RefillInterval / time.Duration(cfg.RefillRate)
	rl := &RateLimiter{
		cfg:     cfg,
		clock:   clock.Real{},
		op:      "ratelimit.consume",
		limiter: rate.NewLimiter(rate.Every(every), cfg.MaxTokens),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl, nil
}

// Consume takes n tokens or fails with errs.KindRateLimit. RetryAfter is
// rounded up to the next millisecond so that waiting it out is enough for an
// identical Consume to succeed.
func (rl *RateLimiter) Consume(n int) error {
	if n <= 0 {
		return nil
	}
	if n > rl.cfg.MaxTokens {
		return errs.E(errs.KindValidation, rl.op, "requested %d tokens exceeds bucket capacity %d", n, rl.cfg.MaxTokens)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	r := rl.limiter.ReserveN(now, n)
	if !r.OK() {
		return errs.E(errs.KindValidation, rl.op, "requested %d tokens can never be satisfied", n)
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	r.CancelAt(now)

	retryAfter := delay.Truncate(time.Millisecond) + time.Millisecond
	return &errs.Error{
		Kind:       errs.KindRateLimit,
		Op:         rl.op,
		Message:    fmt.Sprintf("rate limit exceeded: %d token(s) requested", n),
		RetryAfter: retryAfter,
	}
}

// CanConsume reports whether Consume(n) would succeed now, without taking
// any tokens.
func (rl *RateLimiter) CanConsume(n int) bool {
	if n <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limiter.TokensAt(rl.clock.Now()) >= float64(n)
}

// Available returns the number of whole tokens currently in the bucket.
func (rl *RateLimiter) Available() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	tokens := rl.limiter.TokensAt(rl.clock.Now())
	if tokens < 0 {
		return 0
	}
	return int(math.Floor(tokens))
}

// Config returns the bucket configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.cfg
}
