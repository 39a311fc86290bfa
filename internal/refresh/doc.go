// Package refresh exchanges OAuth refresh tokens for new access tokens.
//
// A refresh makes up to MaxAttempts attempts with exponential backoff and
// jitter between them. Each attempt passes through an optional circuit
// breaker, and the refresh as a whole through an optional rate limiter.
// Responses are classified as follows:
//
//   - 401 is terminal (errs.KindAuth, code invalid_grant)
//   - other 4xx are terminal (errs.KindAuth)
//   - 429, 5xx and no response at all are retried (errs.KindNetwork)
//
// Servers may rotate refresh tokens. The token in Result is the one to use
// next; RefreshProfile persists it before returning.
package refresh
