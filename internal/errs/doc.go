// Package errs defines the closed set of error kinds produced by the
// credential core.
//
// Every package returns *Error (possibly wrapped with fmt.Errorf and %w) so
// that callers can branch with KindOf or errors.Is against the exported
// sentinels instead of matching message text:
//
//	if errs.Is(err, errs.KindRateLimit) {
//		wait, _ := errs.RetryAfter(err)
//		time.Sleep(wait)
//	}
//
// Messages carry machine-readable context (counts, retry-after, attempt
// numbers) but never secret material.
package errs
