package config

import (
	"fmt"
	"strings"

	"credwrap/pkg/logging"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// Validate rejects settings that would make credwrap misbehave rather than
// merely run slowly.
func (c Config) Validate() error {
	var ve ValidationErrors

	if strings.TrimSpace(c.DataDir) == "" {
		ve.Add("dataDir", "is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		ve.Add("logLevel", "must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Profiles.MaxProfiles <= 0 {
		ve.Add("profiles.maxProfiles", "must be positive", c.Profiles.MaxProfiles)
	}
	validateLock(&ve, "profiles.lock", c.Profiles.Lock)
	validateRateLimit(&ve, "profiles.rateLimit", c.Profiles.RateLimit)
	validateLock(&ve, "audit.lock", c.Audit.Lock)

	if c.Mutex.Timeout < 0 {
		ve.Add("mutex.timeout", "must not be negative", c.Mutex.Timeout.String())
	}
	if c.Mutex.MaxQueue <= 0 {
		ve.Add("mutex.maxQueue", "must be positive", c.Mutex.MaxQueue)
	}

	if c.Crypto.MemoryKiB < 8*uint32(c.Crypto.Parallelism) {
		ve.Add("crypto.memoryKiB", "must be at least 8 KiB per lane", c.Crypto.MemoryKiB)
	}
	if c.Crypto.Iterations == 0 {
		ve.Add("crypto.iterations", "must be positive", c.Crypto.Iterations)
	}
	if c.Crypto.Parallelism == 0 {
		ve.Add("crypto.parallelism", "must be positive", c.Crypto.Parallelism)
	}

	r := c.Refresh
	if r.MaxAttempts <= 0 {
		ve.Add("refresh.maxAttempts", "must be positive", r.MaxAttempts)
	}
	if r.BaseDelay < 0 {
		ve.Add("refresh.baseDelay", "must not be negative", r.BaseDelay.String())
	}
	if r.MaxDelay < r.BaseDelay {
		ve.Add("refresh.maxDelay", "must not be less than refresh.baseDelay", r.MaxDelay.String())
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		ve.Add("refresh.jitter", "must be between 0 and 1", r.Jitter)
	}
	if r.RequestTimeout <= 0 {
		ve.Add("refresh.requestTimeout", "must be positive", r.RequestTimeout.String())
	}
	validateRateLimit(&ve, "refresh.rateLimit", r.RateLimit)

	b := c.Breaker
	if b.FailureThreshold <= 0 {
		ve.Add("breaker.failureThreshold", "must be positive", b.FailureThreshold)
	}
	if b.SuccessThreshold <= 0 {
		ve.Add("breaker.successThreshold", "must be positive", b.SuccessThreshold)
	}
	if b.ResetTimeout <= 0 {
		ve.Add("breaker.resetTimeout", "must be positive", b.ResetTimeout.String())
	}
	if b.RequestTimeout < 0 {
		ve.Add("breaker.requestTimeout", "must not be negative", b.RequestTimeout.String())
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLock(ve *ValidationErrors, field string, l LockConfig) {
	if l.Stale < 0 {
		ve.Add(field+".stale", "must not be negative", l.Stale.String())
	}
	if l.MinBackoff <= 0 {
		ve.Add(field+".minBackoff", "must be positive", l.MinBackoff.String())
	}
	if l.MaxBackoff < l.MinBackoff {
		ve.Add(field+".maxBackoff", "must not be less than minBackoff", l.MaxBackoff.String())
	}
}

func validateRateLimit(ve *ValidationErrors, field string, rl RateLimitConfig) {
	if err := rl.Limiter().Validate(); err != nil {
		ve.Add(field, err.Error())
	}
}
