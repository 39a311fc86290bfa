package profile

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"credwrap/internal/errs"
	"credwrap/pkg/logging"
)

const (
	// MaxProfiles is the hard cap on live profile records.
	MaxProfiles = 1000

	// MaxIDLength bounds profile identifiers.
	MaxIDLength = 64

	MinPassphraseLength = 8
	MaxPassphraseLength = 128
)

// Profile is a stored set of OAuth client settings plus the location of
// its token file.
//
// SECURITY: ClientSecret and EncryptionPassphrase are secrets. Profile
// implements slog.LogValuer so that logging a Profile never prints them.
type Profile struct {
	ID                   string     `json:"id"`
	OAuthURL             string     `json:"oauthUrl"`
	ClientID             string     `json:"clientId"`
	ClientSecret         string     `json:"clientSecret,omitempty"`
	Scopes               []string   `json:"scopes"`
	TokenStorePath       string     `json:"tokenStorePath"`
	EncryptionPassphrase string     `json:"encryptionPassphrase,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	LastUsedAt           *time.Time `json:"lastUsedAt,omitempty"`
}

// LogValue implements slog.LogValuer.
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("oauthUrl", p.OAuthURL),
		slog.String("clientId", p.ClientID),
		slog.String("clientSecret", logging.Redact(p.ClientSecret)),
		slog.String("encryptionPassphrase", logging.Redact(p.EncryptionPassphrase)),
		slog.Any("scopes", p.Scopes),
	)
}

// Encrypted reports whether the profile's tokens are stored encrypted.
func (p *Profile) Encrypted() bool {
	return p.EncryptionPassphrase != ""
}

func (p *Profile) clone() *Profile {
	c := *p
	c.Scopes = slices.Clone(p.Scopes)
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		c.LastUsedAt = &t
	}
	return &c
}

// Config holds the caller-supplied fields of a new profile.
type Config struct {
	OAuthURL             string
	ClientID             string
	ClientSecret         string
	Scopes               []string
	TokenStorePath       string
	EncryptionPassphrase string
}

// Update is a partial update; nil fields are left unchanged. ID and
// CreatedAt cannot be updated.
type Update struct {
	OAuthURL             *string
	ClientID             *string
	ClientSecret         *string
	Scopes               []string
	TokenStorePath       *string
	EncryptionPassphrase *string
}

func (u Update) apply(p *Profile) {
	if u.OAuthURL != nil {
		p.OAuthURL = *u.OAuthURL
	}
	if u.ClientID != nil {
		p.ClientID = *u.ClientID
	}
	if u.ClientSecret != nil {
		p.ClientSecret = *u.ClientSecret
	}
	if u.Scopes != nil {
		p.Scopes = slices.Clone(u.Scopes)
	}
	if u.TokenStorePath != nil {
		p.TokenStorePath = *u.TokenStorePath
	}
	if u.EncryptionPassphrase != nil {
		p.EncryptionPassphrase = *u.EncryptionPassphrase
	}
}

// State is the content of the state file.
type State struct {
	CurrentProfileID *string    `json:"currentProfileId"`
	LastSwitchedAt   *time.Time `json:"lastSwitchedAt,omitempty"`
}

// Current returns the current profile id, or "" when none is selected.
func (s State) Current() string {
	if s.CurrentProfileID == nil {
		return ""
	}
	return *s.CurrentProfileID
}

// ValidateID checks a profile identifier: 1 to 64 characters from
// [A-Za-z0-9_-], starting with a letter or digit.
func ValidateID(id string) error {
	if id == "" {
		return errs.E(errs.KindValidation, "profile.validate", "profile id is required")
	}
	if len(id) > MaxIDLength {
		return errs.E(errs.KindValidation, "profile.validate", "profile id exceeds %d characters", MaxIDLength)
	}
	for i, r := range id {
		if !isIDChar(r) {
			return errs.E(errs.KindValidation, "profile.validate", "profile id contains invalid character %q", r)
		}
		if i == 0 && (r == '-' || r == '_') {
			return errs.E(errs.KindValidation, "profile.validate", "profile id must start with a letter or digit")
		}
	}
	return nil
}

func isIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_'
}

// weakPassphrases are rejected regardless of length.
var weakPassphrases = []string{
	"password", "password1", "password123", "passw0rd", "12345678", "123456789",
	"1234567890", "qwertyuiop", "qwerty123", "iloveyou", "letmein1", "welcome1",
	"changeme", "abc12345", "admin123", "trustno1", "sunshine", "football",
	"baseball", "superman", "11111111", "00000000", "aaaaaaaa", "asdfghjkl",
}

// ValidatePassphrase enforces the passphrase policy: 8 to 128 characters,
// not purely numeric, and not a common weak value. The passphrase itself is
// never included in the returned error.
func ValidatePassphrase(passphrase string) error {
	n := utf8.RuneCountInString(passphrase)
	if n < MinPassphraseLength {
		return errs.E(errs.KindValidation, "profile.validate", "passphrase must be at least %d characters", MinPassphraseLength)
	}
	if n > MaxPassphraseLength {
		return errs.E(errs.KindValidation, "profile.validate", "passphrase must be at most %d characters", MaxPassphraseLength)
	}
	if strings.Trim(passphrase, "0123456789") == "" {
		return errs.E(errs.KindValidation, "profile.validate", "passphrase must not be purely numeric")
	}
	if slices.Contains(weakPassphrases, strings.ToLower(passphrase)) {
		return errs.E(errs.KindValidation, "profile.validate", "passphrase is too common")
	}
	return nil
}

// validate checks every field of p. It is used both for new records and
// for records loaded from disk.
func validate(p *Profile) error {
	if err := ValidateID(p.ID); err != nil {
		return err
	}

	u, err := url.Parse(p.OAuthURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return errs.E(errs.KindValidation, "profile.validate", "oauthUrl must be an absolute http(s) URL")
	}
	if strings.TrimSpace(p.ClientID) == "" {
		return errs.E(errs.KindValidation, "profile.validate", "clientId is required")
	}
	for _, s := range p.Scopes {
		if s == "" || strings.ContainsAny(s, " \t\n") {
			return errs.E(errs.KindValidation, "profile.validate", "scope %q is invalid", s)
		}
	}
	if strings.TrimSpace(p.TokenStorePath) == "" {
		return errs.E(errs.KindValidation, "profile.validate", "tokenStorePath is required")
	}
	if p.EncryptionPassphrase != "" {
		if err := ValidatePassphrase(p.EncryptionPassphrase); err != nil {
			return err
		}
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		return errs.E(errs.KindValidation, "profile.validate", "timestamps are required")
	}
	return nil
}
