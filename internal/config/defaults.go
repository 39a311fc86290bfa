package config

import (
	"time"

	"credwrap/internal/envelope"
	"credwrap/internal/lock"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/internal/resilience"
)

const (
	// ProfilesFileName is the profile store inside DataDir.
	ProfilesFileName = "profiles.json"

	// StateFileName is the current-profile state file inside DataDir.
	StateFileName = "state.json"

	// AuditFileName is the audit log inside DataDir.
	AuditFileName = "audit.log"
)

// Default returns the built-in configuration. DataDir is left empty and
// resolved by Load.
func Default() Config {
	kdf := envelope.DefaultParams()
	rc := refresh.DefaultConfig()
	bc := resilience.DefaultBreakerConfig()

	return Config{
		LogLevel: "info",
		Profiles: ProfilesConfig{
			MaxProfiles: profile.MaxProfiles,
			Lock: LockConfig{
				Stale:      lock.DefaultStale,
				Retries:    lock.DefaultRetries,
				MinBackoff: lock.DefaultMinBackoff,
				MaxBackoff: lock.DefaultMaxBackoff,
			},
			RateLimit: RateLimitConfig{MaxTokens: 20, RefillRate: 10, RefillInterval: time.Second},
		},
		Audit: AuditConfig{
			Enabled: true,
			Lock: LockConfig{
				Stale:      30 * time.Second,
				Retries:    20,
				MinBackoff: lock.DefaultMinBackoff,
				MaxBackoff: lock.DefaultMaxBackoff,
			},
		},
		Mutex: MutexConfig{
			Timeout:  lock.DefaultMutexTimeout,
			MaxQueue: lock.DefaultMaxQueue,
		},
		Crypto: CryptoConfig{
			MemoryKiB:   kdf.MemoryKiB,
			Iterations:  kdf.Iterations,
			Parallelism: kdf.Parallelism,
		},
		Refresh: RefreshConfig{
			MaxAttempts:    rc.MaxAttempts,
			BaseDelay:      rc.BaseDelay,
			MaxDelay:       rc.MaxDelay,
			Jitter:         rc.Jitter,
			RequestTimeout: 30 * time.Second,
			RateLimit:      RateLimitConfig{MaxTokens: 10, RefillRate: 1, RefillInterval: 6 * time.Second},
		},
		Breaker: BreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			ResetTimeout:     bc.ResetTimeout,
			RequestTimeout:   bc.RequestTimeout,
		},
	}
}
