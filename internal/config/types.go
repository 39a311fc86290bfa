package config

import (
	"time"

	"credwrap/internal/envelope"
	"credwrap/internal/lock"
	"credwrap/internal/refresh"
	"credwrap/internal/resilience"
)

// Config is the top-level configuration structure for credwrap.
type Config struct {
	DataDir  string         `yaml:"dataDir,omitempty"`  // Directory holding profiles.json, state.json and audit.log
	LogLevel string         `yaml:"logLevel,omitempty"` // debug, info, warn or error
	Profiles ProfilesConfig `yaml:"profiles"`
	Audit    AuditConfig    `yaml:"audit"`
	Mutex    MutexConfig    `yaml:"mutex"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LockConfig configures a cross-process file lock.
type LockConfig struct {
	Stale      time.Duration `yaml:"stale"`
	Retries    uint          `yaml:"retries"`
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
}

// FileLock converts c to the lock package's configuration.
func (c LockConfig) FileLock() lock.FileLockConfig {
	return lock.FileLockConfig{
		Stale:      c.Stale,
		Retries:    c.Retries,
		MinBackoff: c.MinBackoff,
		MaxBackoff: c.MaxBackoff,
	}
}

// RateLimitConfig configures a token bucket.
type RateLimitConfig struct {
	MaxTokens      int           `yaml:"maxTokens"`
	RefillRate     int           `yaml:"refillRate"`
	RefillInterval time.Duration `yaml:"refillInterval"`
}

// Limiter converts c to the resilience package's configuration.
func (c RateLimitConfig) Limiter() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		MaxTokens:      c.MaxTokens,
		RefillRate:     c.RefillRate,
		RefillInterval: c.RefillInterval,
	}
}

// ProfilesConfig configures the profile store and the state file.
type ProfilesConfig struct {
	MaxProfiles int             `yaml:"maxProfiles"`
	Lock        LockConfig      `yaml:"lock"`
	RateLimit   RateLimitConfig `yaml:"rateLimit"`
}

// AuditConfig configures the audit log. Its lock is separate from the
// profile lock so the two can go stale on different schedules.
type AuditConfig struct {
	Enabled bool       `yaml:"enabled"`
	Lock    LockConfig `yaml:"lock"`
}

// MutexConfig configures the in-process FIFO mutex.
type MutexConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	MaxQueue int           `yaml:"maxQueue"`
}

// CryptoConfig holds the Argon2id cost of new envelopes.
type CryptoConfig struct {
	MemoryKiB   uint32 `yaml:"memoryKiB"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// Params converts c to envelope parameters.
func (c CryptoConfig) Params() envelope.Params {
	return envelope.Params{MemoryKiB: c.MemoryKiB, Iterations: c.Iterations, Parallelism: c.Parallelism}
}

// RefreshConfig configures token refresh.
type RefreshConfig struct {
	MaxAttempts    int             `yaml:"maxAttempts"`
	BaseDelay      time.Duration   `yaml:"baseDelay"`
	MaxDelay       time.Duration   `yaml:"maxDelay"`
	Jitter         float64         `yaml:"jitter"`
	RequestTimeout time.Duration   `yaml:"requestTimeout"` // HTTP client timeout
	RateLimit      RateLimitConfig `yaml:"rateLimit"`
}

// Refresher converts c to the refresh package's retry configuration.
func (c RefreshConfig) Refresher() refresh.Config {
	cfg := refresh.DefaultConfig()
	cfg.MaxAttempts = c.MaxAttempts
	cfg.BaseDelay = c.BaseDelay
	cfg.MaxDelay = c.MaxDelay
	cfg.Jitter = c.Jitter
	return cfg
}

// BreakerConfig configures the token endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

// Breaker converts c to the resilience package's configuration.
func (c BreakerConfig) Breaker(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		ResetTimeout:     c.ResetTimeout,
		RequestTimeout:   c.RequestTimeout,
	}
}

// MetricsConfig configures the Prometheus textfile export. An empty
// TextfilePath disables it.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfilePath,omitempty"`
}
