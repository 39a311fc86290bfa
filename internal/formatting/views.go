package formatting

import (
	"sort"
	"time"

	"credwrap/internal/envelope"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/pkg/logging"
)

// ProfileView is the printable form of a profile. The client secret and
// passphrase are reduced to flags.
type ProfileView struct {
	ID              string     `json:"id" yaml:"id"`
	OAuthURL        string     `json:"oauthUrl" yaml:"oauthUrl"`
	ClientID        string     `json:"clientId" yaml:"clientId"`
	HasClientSecret bool       `json:"hasClientSecret" yaml:"hasClientSecret"`
	Scopes          []string   `json:"scopes" yaml:"scopes"`
	TokenStorePath  string     `json:"tokenStorePath" yaml:"tokenStorePath"`
	Encrypted       bool       `json:"encrypted" yaml:"encrypted"`
	Current         bool       `json:"current" yaml:"current"`
	CreatedAt       time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt" yaml:"updatedAt"`
	LastUsedAt      *time.Time `json:"lastUsedAt,omitempty" yaml:"lastUsedAt,omitempty"`
}

// NewProfileView converts p. current is the id of the selected profile.
func NewProfileView(p *profile.Profile, current string) ProfileView {
	return ProfileView{
		ID:              p.ID,
		OAuthURL:        p.OAuthURL,
		ClientID:        p.ClientID,
		HasClientSecret: p.ClientSecret != "",
		Scopes:          p.Scopes,
		TokenStorePath:  p.TokenStorePath,
		Encrypted:       p.Encrypted(),
		Current:         p.ID == current,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
		LastUsedAt:      p.LastUsedAt,
	}
}

// NewProfileViews converts and sorts ps by id.
func NewProfileViews(ps []*profile.Profile, current string) []ProfileView {
	views := make([]ProfileView, 0, len(ps))
	for _, p := range ps {
		views = append(views, NewProfileView(p, current))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// TokenView is the printable form of a stored token.
type TokenView struct {
	ProfileID       string     `json:"profileId" yaml:"profileId"`
	TokenType       string     `json:"tokenType" yaml:"tokenType"`
	AccessToken     string     `json:"accessToken" yaml:"accessToken"`
	HasRefreshToken bool       `json:"hasRefreshToken" yaml:"hasRefreshToken"`
	Valid           bool       `json:"valid" yaml:"valid"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	GrantedAt       *time.Time `json:"grantedAt,omitempty" yaml:"grantedAt,omitempty"`
	Scopes          []string   `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Encrypted       bool       `json:"encrypted" yaml:"encrypted"`
}

// NewTokenView converts t, redacting the access token unless reveal is set.
func NewTokenView(profileID string, t *refresh.Token, encrypted, reveal bool) TokenView {
	v := TokenView{
		ProfileID:       profileID,
		TokenType:       t.TokenType,
		AccessToken:     logging.Redact(t.AccessToken),
		HasRefreshToken: t.RefreshToken != "",
		Valid:           t.OAuth2().Valid(),
		Scopes:          t.Scopes,
		Encrypted:       encrypted,
	}
	if reveal {
		v.AccessToken = t.AccessToken
	}
	if !t.ExpiresAt.IsZero() {
		exp := t.ExpiresAt
		v.ExpiresAt = &exp
	}
	if !t.GrantedAt.IsZero() {
		granted := t.GrantedAt
		v.GrantedAt = &granted
	}
	return v
}

// RotationView reports re-encryption of one or more token files.
type RotationView struct {
	Results map[string]envelope.Migration `json:"results" yaml:"results"`
	Stats   envelope.BatchStats           `json:"stats" yaml:"stats"`
}

// NewRotationView wraps a batch result.
func NewRotationView(r envelope.BatchResult) RotationView {
	return RotationView{Results: r.Results, Stats: r.Stats}
}

// SingleRotationView wraps the rotation of one profile's token file.
func SingleRotationView(profileID string, m envelope.Migration) RotationView {
	stats := envelope.BatchStats{Total: 1}
	switch {
	case m.Error != "":
		stats.Failed = 1
	case m.Migrated:
		stats.Migrated = 1
	default:
		stats.Skipped = 1
	}
	return RotationView{Results: map[string]envelope.Migration{profileID: m}, Stats: stats}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
