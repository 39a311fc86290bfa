package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
	"credwrap/pkg/logging"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// SuccessThreshold consecutive successful probes close a half-open circuit.
	SuccessThreshold int

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration

	// RequestTimeout bounds each call. Zero disables it. A call that times
	// out counts as a failure.
	RequestTimeout time.Duration

	// IsFailure decides whether an error returned by the call counts against
	// the circuit. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultBreakerConfig returns the settings used for the token endpoint.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
}

// BreakerStats is a snapshot of a breaker's counters.
type BreakerStats struct {
	State         State
	Failures      int
	Successes     int
	LastFailure   time.Time
	OpenedAt      time.Time
	TotalCalls    int64
	TotalFailures int64
	Rejected      int64
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock injects the clock used for cooldowns.
func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.clock = clock.OrReal(c)
	}
}

// WithStateChangeHook registers fn to be called after every transition.
// fn runs with the breaker unlocked.
func WithStateChangeHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// CircuitBreaker stops calling a failing dependency for a cooldown period
// and then lets probe calls through to decide whether it has recovered.
type CircuitBreaker struct {
	cfg           BreakerConfig
	clock         clock.Clock
	onStateChange func(name string, from, to State)

	mu    sync.Mutex
	stats BreakerStats
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{cfg: cfg, clock: clock.Real{}}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn unless the circuit is open. When open it fails with
// errs.KindCircuitOpen and RetryAfter set to the remaining cooldown.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := cb.call(ctx, fn)

	// A caller that gave up says nothing about the dependency's health.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	if err != nil && cb.countsAsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if errs.Is(err, errs.KindNetwork) && errors.Is(err, errCallTimeout) {
		return true
	}
	if cb.cfg.IsFailure == nil {
		return true
	}
	return cb.cfg.IsFailure(err)
}

var errCallTimeout = errors.New("call timed out")

func (cb *CircuitBreaker) call(ctx context.Context, fn func(context.Context) error) error {
	if cb.cfg.RequestTimeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.RequestTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return cb.timeoutError(err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cb.timeoutError(callCtx.Err())
	}
}

func (cb *CircuitBreaker) timeoutError(cause error) error {
	return &errs.Error{
		Kind:    errs.KindNetwork,
		Op:      "circuit.execute",
		Message: "call exceeded " + cb.cfg.RequestTimeout.String(),
		Code:    "timeout",
		Err:     errors.Join(errCallTimeout, cause),
	}
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	from := cb.stats.State
	now := cb.clock.Now()

	if cb.stats.State == StateOpen {
		elapsed := now.Sub(cb.stats.OpenedAt)
		if elapsed < cb.cfg.ResetTimeout {
			cb.stats.Rejected++
			remaining := cb.cfg.ResetTimeout - elapsed
			cb.mu.Unlock()
			return &errs.Error{
				Kind:       errs.KindCircuitOpen,
				Op:         "circuit.execute",
				Message:    "circuit " + cb.cfg.Name + " is open",
				RetryAfter: remaining,
			}
		}
		cb.stats.State = StateHalfOpen
		cb.stats.Successes = 0
	}
	cb.stats.TotalCalls++
	to := cb.stats.State
	cb.mu.Unlock()

	cb.notify(from, to)
	return nil
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	from := cb.stats.State
	switch cb.stats.State {
	case StateClosed:
		cb.stats.Failures = 0
	case StateHalfOpen:
		cb.stats.Successes++
		if cb.stats.Successes >= cb.cfg.SuccessThreshold {
			cb.stats.State = StateClosed
			cb.stats.Failures = 0
			cb.stats.Successes = 0
		}
	}
	to := cb.stats.State
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	from := cb.stats.State
	now := cb.clock.Now()
	cb.stats.TotalFailures++
	cb.stats.LastFailure = now

	switch cb.stats.State {
	case StateClosed:
		cb.stats.Failures++
		if cb.stats.Failures >= cb.cfg.FailureThreshold {
			cb.stats.State = StateOpen
			cb.stats.OpenedAt = now
		}
	case StateHalfOpen:
		cb.stats.State = StateOpen
		cb.stats.OpenedAt = now
		cb.stats.Successes = 0
	case StateOpen:
		// A call admitted before the circuit opened finished late.
	}
	to := cb.stats.State
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	logging.Info("Resilience", "Circuit %s: %s -> %s", cb.cfg.Name, from, to)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open circuit whose cooldown has
// elapsed still reports OPEN until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats.State
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.stats.State
	cb.stats = BreakerStats{State: StateClosed}
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}
