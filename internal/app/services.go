package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"credwrap/internal/audit"
	"credwrap/internal/config"
	"credwrap/internal/envelope"
	"credwrap/internal/lock"
	"credwrap/internal/metrics"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/internal/resilience"
	"credwrap/internal/tokenstore"
	"credwrap/pkg/logging"
)

// BreakerName identifies the token endpoint circuit breaker in logs and
// metrics.
const BreakerName = "token-endpoint"

// Services holds all initialized services used by the application.
//
// Service Dependencies:
// The services are initialized in a specific order to handle dependencies:
//  1. Audit log and metrics (observers of everything else)
//  2. Profile store and state manager
//  3. Cipher and token store
//  4. Circuit breaker, rate limiter and refresher
type Services struct {
	Cipher    *envelope.Cipher
	Profiles  *profile.Store
	State     *profile.StateManager
	Tokens    *tokenstore.Store
	Breaker   *resilience.CircuitBreaker
	Refresher *refresh.Refresher

	// Audit is nil when the audit log is disabled.
	Audit   *audit.Log
	Metrics *metrics.Collector

	metricsFile string
}

// InitializeServices creates every service from cfg. cfg must be valid.
func InitializeServices(cfg config.Config) (*Services, error) {
	s := &Services{
		Metrics:     metrics.New(),
		metricsFile: cfg.Metrics.TextfilePath,
	}

	if cfg.Audit.Enabled {
		s.Audit = audit.Open(cfg.AuditPath(), audit.WithLockConfig(cfg.Audit.Lock.FileLock()))
	}

	profileLimiter, err := resilience.NewRateLimiter(cfg.Profiles.RateLimit.Limiter(), resilience.WithOp("profile.mutate"))
	if err != nil {
		return nil, fmt.Errorf("profile rate limit: %w", err)
	}

	mutex := lock.NewMutex(lock.WithTimeout(cfg.Mutex.Timeout), lock.WithMaxQueue(cfg.Mutex.MaxQueue))
	storeOpts := []profile.StoreOption{
		profile.WithMutex(mutex),
		profile.WithLockConfig(cfg.Profiles.Lock.FileLock()),
		profile.WithRateLimiter(profileLimiter),
		profile.WithMaxProfiles(cfg.Profiles.MaxProfiles),
	}
	stateOpts := []profile.StateOption{
		profile.WithStateLockConfig(cfg.Profiles.Lock.FileLock()),
	}
	if s.Audit != nil {
		storeOpts = append(storeOpts, profile.WithObserver(s.Audit))
		stateOpts = append(stateOpts, profile.WithStateObserver(s.Audit))
	}
	s.Profiles = profile.NewStore(cfg.ProfilesPath(), storeOpts...)
	s.State = profile.NewStateManager(cfg.StatePath(), s.Profiles, stateOpts...)

	s.Cipher = envelope.New(envelope.WithParams(cfg.Crypto.Params()))
	s.Tokens = tokenstore.New(s.Profiles, s.Cipher, tokenstore.WithLockConfig(cfg.Profiles.Lock.FileLock()))

	s.Breaker = refresh.NewCircuitBreaker(cfg.Breaker.Breaker(BreakerName),
		resilience.WithStateChangeHook(s.Metrics.BreakerStateChanged))
	s.Metrics.ObserveBreaker(s.Breaker)

	refreshLimiter, err := resilience.NewRateLimiter(cfg.Refresh.RateLimit.Limiter(), resilience.WithOp("refresh"))
	if err != nil {
		return nil, fmt.Errorf("refresh rate limit: %w", err)
	}

	collectors := refresh.Collectors{s.Metrics}
	if s.Audit != nil {
		collectors = append(collectors, s.Audit)
	}
	s.Refresher = refresh.New(cfg.Refresh.Refresher(),
		refresh.WithTransport(refresh.NewHTTPTransport(&http.Client{Timeout: cfg.Refresh.RequestTimeout})),
		refresh.WithCircuitBreaker(s.Breaker),
		refresh.WithRateLimiter(refreshLimiter),
		refresh.WithPersistence(s.Tokens),
		refresh.WithMetrics(collectors),
	)

	return s, nil
}

// RecordAudit appends ev to the audit log when it is enabled.
func (s *Services) RecordAudit(ctx context.Context, ev audit.Event) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(ctx, ev); err != nil {
		logging.Warn("Audit", "Failed to record %s: %v", ev.Action, err)
	}
}

// Close flushes pending audit events and exports metrics.
func (s *Services) Close() error {
	var errList []error
	if s.Audit != nil {
		if err := s.Audit.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if s.metricsFile != "" {
		if err := s.Metrics.WriteTextfile(s.metricsFile); err != nil {
			errList = append(errList, fmt.Errorf("writing metrics to %s: %w", s.metricsFile, err))
		}
	}
	return errors.Join(errList...)
}
