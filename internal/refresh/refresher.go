package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
	"credwrap/internal/profile"
	"credwrap/internal/resilience"
	"credwrap/pkg/logging"
)

// Error codes carried in errs.Error.Code.
const (
	CodeInvalidGrant      = "invalid_grant"
	CodeRateLimitExceeded = "rateLimitExceeded"
	CodeServerError       = "server_error"
	CodeTooManyRequests   = "too_many_requests"
	CodeNoResponse        = "no_response"
	CodeInvalidResponse   = "invalid_response"
)

// Config controls the retry policy.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt; each later
	// wait is Factor times longer, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64

	// Jitter adds up to Jitter*delay of random extra wait.
	Jitter float64
}

// DefaultConfig returns 3 attempts starting at 500ms, doubling to at most
// 10s, with 20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Factor:      2,
		Jitter:      0.2,
	}
}

// Refresher exchanges refresh tokens for new access tokens.
type Refresher struct {
	cfg         Config
	transport   HTTPTransport
	breaker     *resilience.CircuitBreaker
	limiter     *resilience.RateLimiter
	persistence TokenPersistence
	metrics     MetricsCollector
	clock       clock.Clock
	fingerprint func() string
	sleep       func(ctx context.Context, d time.Duration) error

	group singleflight.Group
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithTransport sets the HTTP transport.
func WithTransport(t HTTPTransport) Option {
	return func(r *Refresher) {
		r.transport = t
	}
}

// WithCircuitBreaker routes every attempt through cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Refresher) {
		r.breaker = cb
	}
}

// WithRateLimiter gates every refresh on rl.
func WithRateLimiter(rl *resilience.RateLimiter) Option {
	return func(r *Refresher) {
		r.limiter = rl
	}
}

// WithPersistence sets the token store used by RefreshProfile.
func WithPersistence(p TokenPersistence) Option {
	return func(r *Refresher) {
		r.persistence = p
	}
}

// WithMetrics sets the per-attempt metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Refresher) {
		r.clock = clock.OrReal(c)
	}
}

// WithFingerprint overrides the device fingerprint function.
func WithFingerprint(fn func() string) Option {
	return func(r *Refresher) {
		r.fingerprint = fn
	}
}

// New creates a Refresher.
func New(cfg Config, opts ...Option) *Refresher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	r := &Refresher{
		cfg:         cfg,
		transport:   NewHTTPTransport(nil),
		clock:       clock.Real{},
		fingerprint: DeviceFingerprint,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewCircuitBreaker returns a breaker that only counts failures that say
// something about the endpoint's health: 5xx, 429 and missing responses.
// Credential rejections never open the circuit.
func NewCircuitBreaker(cfg resilience.BreakerConfig, opts ...resilience.BreakerOption) *resilience.CircuitBreaker {
	cfg.IsFailure = Retryable
	if cfg.Name == "" {
		cfg.Name = "token-endpoint"
	}
	return resilience.NewCircuitBreaker(cfg, opts...)
}

// Retryable reports whether err from a single attempt may succeed if the
// attempt is repeated.
func Retryable(err error) bool {
	return errs.Is(err, errs.KindNetwork)
}

// Refresh exchanges req.RefreshToken for a new token. The caller must
// persist and use the returned refresh token for the next refresh; the one
// passed in may have been invalidated by rotation.
func (r *Refresher) Refresh(ctx context.Context, req Request) (*Result, error) {
	if req.Endpoint == "" || req.RefreshToken == "" {
		return nil, errs.E(errs.KindValidation, "refresh", "endpoint and refresh token are required")
	}

	if r.limiter != nil {
		if err := r.limiter.Consume(1); err != nil {
			retryAfter, _ := errs.RetryAfter(err)
			return nil, &errs.Error{
				Kind:       errs.KindAuth,
				Op:         "refresh",
				Message:    "refresh rate limit exceeded",
				Code:       CodeRateLimitExceeded,
				RetryAfter: retryAfter,
				Err:        err,
			}
		}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", req.RefreshToken)
	if req.ClientID != "" {
		form.Set("client_id", req.ClientID)
	}
	if req.ClientSecret != "" {
		form.Set("client_secret", req.ClientSecret)
	}
	if len(req.Scopes) > 0 {
		form.Set("scope", strings.Join(req.Scopes, " "))
	}

	backoff := wait.Backoff{
		Duration: r.cfg.BaseDelay,
		Factor:   r.cfg.Factor,
		Jitter:   r.cfg.Jitter,
		Steps:    r.cfg.MaxAttempts,
		Cap:      r.cfg.MaxDelay,
	}

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		resp, err := r.post(ctx, req.Endpoint, form)

		var tok *Token
		if err == nil {
			tok, err = r.parse(resp, req)
		}
		r.record(req.ProfileID, attempt-1, time.Since(start), err)

		if err == nil {
			logging.Audit("Refresh", "token_refreshed", "token refreshed",
				"profile", req.ProfileID, "attempts", attempt, "rotated", tok.RefreshToken != req.RefreshToken)
			return &Result{Token: tok, RetryCount: attempt - 1, Attempts: attempt}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !Retryable(err) {
			logging.Audit("Refresh", "token_refresh_failed", "token refresh failed",
				"profile", req.ProfileID, "attempts", attempt, "kind", errs.KindOf(err).String())
			return nil, err
		}

		lastErr = err
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := backoff.Step()
		logging.Debug("Refresh", "Attempt %d for profile %s failed (%v), retrying in %s", attempt, req.ProfileID, err, delay)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	logging.Audit("Refresh", "token_refresh_failed", "token refresh retries exhausted",
		"profile", req.ProfileID, "attempts", r.cfg.MaxAttempts)
	return nil, &errs.Error{
		Kind:     errs.KindNetwork,
		Op:       "refresh",
		Message:  "token refresh failed",
		Attempts: r.cfg.MaxAttempts,
		Status:   statusOf(lastErr),
		Err:      lastErr,
	}
}

// post performs one attempt, through the circuit breaker when configured,
// and classifies its failure.
func (r *Refresher) post(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	if r.breaker == nil {
		resp, err := r.transport.Post(ctx, endpoint, form)
		return resp, classify(ctx, err)
	}

	var resp *Response
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		var postErr error
		resp, postErr = r.transport.Post(ctx, endpoint, form)
		return classify(ctx, postErr)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// classify turns a transport error into an *errs.Error. Network kinds are
// retryable; auth kinds are terminal.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return &errs.Error{
			Kind:    errs.KindNetwork,
			Op:      "refresh.attempt",
			Message: "no response from token endpoint",
			Code:    CodeNoResponse,
			Err:     err,
		}
	}

	var body oauthError
	_ = json.Unmarshal(httpErr.Data, &body)

	switch {
	case httpErr.Status == http.StatusUnauthorized:
		return &errs.Error{
			Kind:    errs.KindAuth,
			Op:      "refresh.attempt",
			Message: "refresh token rejected",
			Code:    CodeInvalidGrant,
			Status:  httpErr.Status,
			Err:     httpErr,
		}
	case httpErr.Status == http.StatusTooManyRequests:
		return &errs.Error{
			Kind:    errs.KindNetwork,
			Op:      "refresh.attempt",
			Message: "token endpoint is throttling",
			Code:    CodeTooManyRequests,
			Status:  httpErr.Status,
			Err:     httpErr,
		}
	case httpErr.Status >= 500:
		return &errs.Error{
			Kind:    errs.KindNetwork,
			Op:      "refresh.attempt",
			Message: "token endpoint unavailable",
			Code:    CodeServerError,
			Status:  httpErr.Status,
			Err:     httpErr,
		}
	default:
		code := body.Error
		if code == "" {
			code = fmt.Sprintf("http_%d", httpErr.Status)
		}
		return &errs.Error{
			Kind:    errs.KindAuth,
			Op:      "refresh.attempt",
			Message: "token endpoint rejected the request",
			Code:    code,
			Status:  httpErr.Status,
			Err:     httpErr,
		}
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (r *Refresher) parse(resp *Response, req Request) (*Token, error) {
	var body tokenResponse
	if err := json.Unmarshal(resp.Data, &body); err != nil || body.AccessToken == "" {
		return nil, &errs.Error{
			Kind:    errs.KindAuth,
			Op:      "refresh.attempt",
			Message: "token endpoint returned an unusable response",
			Code:    CodeInvalidResponse,
			Status:  resp.Status,
		}
	}

	now := r.clock.Now().UTC()
	tok := &Token{
		AccessToken:       body.AccessToken,
		RefreshToken:      body.RefreshToken,
		TokenType:         body.TokenType,
		GrantedAt:         now,
		Scopes:            append([]string{}, req.Scopes...),
		DeviceFingerprint: r.fingerprint(),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = req.RefreshToken
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if body.ExpiresIn > 0 {
		tok.ExpiresAt = now.Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	if body.Scope != "" {
		tok.Scopes = strings.Fields(body.Scope)
	}
	return tok, nil
}

func (r *Refresher) record(profileID string, retryCount int, latency time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	m := Metric{
		Timestamp:  r.clock.Now(),
		Success:    err == nil,
		Latency:    latency,
		ProfileID:  profileID,
		RetryCount: retryCount,
	}
	if err != nil {
		m.ErrorKind = errorKind(err)
	}
	r.metrics.RecordRefresh(m)
}

// errorKind is the metric label for a failed attempt.
func errorKind(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return e.Kind.String()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return errs.KindUnknown.String()
}

func statusOf(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// RefreshProfile refreshes the stored token of p and persists the result.
// Concurrent calls for the same profile share a single refresh.
func (r *Refresher) RefreshProfile(ctx context.Context, p *profile.Profile) (*Result, error) {
	if r.persistence == nil {
		return nil, errs.E(errs.KindValidation, "refresh.profile", "no token persistence configured")
	}

	v, err, shared := r.group.Do(p.ID, func() (interface{}, error) {
		current, err := r.persistence.Read(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.RefreshToken == "" {
			return nil, errs.E(errs.KindNotFound, "refresh.profile", "no refresh token stored for profile %q", p.ID)
		}

		res, err := r.Refresh(ctx, Request{
			ProfileID:    p.ID,
			Endpoint:     p.OAuthURL,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RefreshToken: current.RefreshToken,
			Scopes:       p.Scopes,
		})
		if err != nil {
			return nil, err
		}
		if err := r.persistence.Write(ctx, p.ID, res.Token); err != nil {
			return nil, fmt.Errorf("persisting refreshed token: %w", err)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("Refresh", "Shared in-flight refresh for profile %s", p.ID)
	}
	return v.(*Result), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
