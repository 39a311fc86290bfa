package mock

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// TokenResponse is the JSON body returned by the mock token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenEndpoint is a scripted OAuth token endpoint for refresh tests.
//
// Statuses is consumed one entry per request; once exhausted every request
// succeeds. A 200 entry issues a fresh access token and, when RotateRefresh
// is set, a fresh refresh token.
type TokenEndpoint struct {
	Server *httptest.Server

	mu            sync.Mutex
	statuses      []int
	requests      []url.Values
	rotateRefresh bool
	lifetime      time.Duration
	delay         time.Duration
}

// TokenEndpointOption configures a TokenEndpoint.
type TokenEndpointOption func(*TokenEndpoint)

// WithStatuses scripts the HTTP status of the first len(statuses) requests.
func WithStatuses(statuses ...int) TokenEndpointOption {
	return func(e *TokenEndpoint) {
		e.statuses = append(e.statuses, statuses...)
	}
}

// WithRefreshRotation makes successful responses carry a new refresh token.
func WithRefreshRotation() TokenEndpointOption {
	return func(e *TokenEndpoint) {
		e.rotateRefresh = true
	}
}

// WithResponseDelay delays every response by d.
func WithResponseDelay(d time.Duration) TokenEndpointOption {
	return func(e *TokenEndpoint) {
		e.delay = d
	}
}

// NewTokenEndpoint starts a mock token endpoint. Call Close when done.
func NewTokenEndpoint(opts ...TokenEndpointOption) *TokenEndpoint {
	e := &TokenEndpoint{lifetime: time.Hour}
	for _, opt := range opts {
		opt(e)
	}
	e.Server = httptest.NewServer(http.HandlerFunc(e.handleToken))
	return e
}

// URL returns the token endpoint URL.
func (e *TokenEndpoint) URL() string {
	return e.Server.URL + "/token"
}

// Close shuts the server down.
func (e *TokenEndpoint) Close() {
	e.Server.Close()
}

// Requests returns a copy of the form bodies received so far.
func (e *TokenEndpoint) Requests() []url.Values {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]url.Values, len(e.requests))
	copy(out, e.requests)
	return out
}

// RequestCount returns the number of requests received.
func (e *TokenEndpoint) RequestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *TokenEndpoint) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	e.requests = append(e.requests, r.PostForm)
	status := http.StatusOK
	if len(e.statuses) > 0 {
		status = e.statuses[0]
		e.statuses = e.statuses[1:]
	}
	delay := e.delay
	e.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	w.Header().Set("Content-Type", "application/json")

	if r.PostForm.Get("grant_type") != "refresh_token" {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "unsupported_grant_type",
			"error_description": "only refresh_token is supported",
		})
		return
	}

	switch {
	case status == http.StatusUnauthorized:
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token is invalid or revoked",
		})
		return
	case status != http.StatusOK:
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{
			"error": http.StatusText(status),
		})
		return
	}

	resp := TokenResponse{
		AccessToken: "at-" + opaqueToken(),
		TokenType:   "Bearer",
		ExpiresIn:   int(e.lifetime.Seconds()),
		Scope:       r.PostForm.Get("scope"),
	}
	if e.rotateRefresh {
		resp.RefreshToken = "rt-" + opaqueToken()
	}
	json.NewEncoder(w).Encode(resp)
}

func opaqueToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
