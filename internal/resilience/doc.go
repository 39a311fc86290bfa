// Package resilience guards calls to the token endpoint and writes to the
// profile store.
//
// CircuitBreaker stops calling a dependency after FailureThreshold
// consecutive failures, rejects calls for ResetTimeout, then lets probes
// through until SuccessThreshold of them succeed. RateLimiter is a token
// bucket on top of golang.org/x/time/rate, evaluated against an injected
// clock so that refill behaviour is deterministic in tests.
package resilience
