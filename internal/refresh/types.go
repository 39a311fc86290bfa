package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"credwrap/pkg/logging"
)

// Request describes one refresh.
type Request struct {
	ProfileID    string
	Endpoint     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
}

// Token is a refreshed credential set.
//
// SECURITY: AccessToken and RefreshToken are secrets; Token implements
// slog.LogValuer to keep them out of logs.
type Token struct {
	AccessToken       string    `json:"accessToken"`
	RefreshToken      string    `json:"refreshToken"`
	TokenType         string    `json:"tokenType"`
	ExpiresAt         time.Time `json:"expiresAt,omitempty"`
	GrantedAt         time.Time `json:"grantedAt"`
	Scopes            []string  `json:"scopes,omitempty"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
}

// LogValue implements slog.LogValuer.
func (t Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("accessToken", logging.Redact(t.AccessToken)),
		slog.String("refreshToken", logging.Redact(t.RefreshToken)),
		slog.String("tokenType", t.TokenType),
		slog.Time("expiresAt", t.ExpiresAt),
		slog.Any("scopes", t.Scopes),
	)
}

// ExpiresWithin reports whether the access token expires within d of now.
// A token without an expiry never expires.
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// OAuth2 converts t to an oauth2.Token.
func (t *Token) OAuth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
	if len(t.Scopes) > 0 {
		tok = tok.WithExtra(map[string]any{"scope": strings.Join(t.Scopes, " ")})
	}
	return tok
}

// FromOAuth2 converts an oauth2.Token, for example one obtained by an
// interactive login, into a Token.
func FromOAuth2(tok *oauth2.Token, grantedAt time.Time) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
		GrantedAt:    grantedAt,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		t.Scopes = strings.Fields(scope)
	}
	return t
}

// Result is the outcome of a successful refresh. RetryCount is the number
// of failed attempts before the successful one.
type Result struct {
	Token      *Token
	RetryCount int
	Attempts   int
}

// TokenPersistence stores the token of each profile. Read returns nil and
// no error when the profile has no stored token.
type TokenPersistence interface {
	Read(ctx context.Context, profileID string) (*Token, error)
	Write(ctx context.Context, profileID string, token *Token) error
}

// Metric describes a single refresh attempt.
type Metric struct {
	Timestamp  time.Time
	Success    bool
	Latency    time.Duration
	ProfileID  string
	RetryCount int
	ErrorKind  string
}

// MetricsCollector receives one Metric per attempt. Collectors must not
// block.
type MetricsCollector interface {
	RecordRefresh(Metric)
}

// Collectors fans a metric out to several collectors.
type Collectors []MetricsCollector

// RecordRefresh implements MetricsCollector.
func (c Collectors) RecordRefresh(m Metric) {
	for _, mc := range c {
		if mc != nil {
			mc.RecordRefresh(m)
		}
	}
}

// DeviceFingerprint binds a token to this machine and account: the hex
// SHA-256 of hostname, username and platform.
func DeviceFingerprint() string {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{host, username, runtime.GOOS, runtime.GOARCH}, "|")))
	return hex.EncodeToString(sum[:])
}
