package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/audit"
	"credwrap/internal/errs"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
)

// auditEvent closes a and returns the last audit event for profileID with
// the given action.
func auditEvent(t *testing.T, a *Application, profileID, action string) audit.Event {
	t.Helper()
	require.NoError(t, a.Close())
	log := audit.Open(a.Settings().AuditPath())
	defer log.Close()
	events, err := log.Query(context.Background(), audit.Filter{ProfileID: profileID, Action: action})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestApplication_StoreAndReadToken(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ctx := context.Background()
	createProfile(t, a, "work", "https://auth.example.com/token")
	_, err := a.Services.State.SwitchTo(ctx, "work")
	require.NoError(t, err)

	p, err := a.StoreToken(ctx, "", &refresh.Token{RefreshToken: "rt-1", TokenType: "Bearer"})
	require.NoError(t, err)
	assert.Equal(t, "work", p.ID)

	_, tok, err := a.Token(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", tok.RefreshToken)

	ev := auditEvent(t, a, "work", audit.ActionTokenStore)
	assert.Equal(t, audit.OutcomeSuccess, ev.Outcome)
}

func TestApplication_TokenMissing(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	createProfile(t, a, "work", "https://auth.example.com/token")

	_, _, err := a.Token(context.Background(), "work")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestApplication_DeleteToken(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ctx := context.Background()
	createProfile(t, a, "work", "https://auth.example.com/token")
	_, err := a.StoreToken(ctx, "work", &refresh.Token{RefreshToken: "rt-1"})
	require.NoError(t, err)

	_, err = a.DeleteToken(ctx, "work")
	require.NoError(t, err)

	_, _, err = a.Token(ctx, "work")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestApplication_RotateTokenFailureIsAudited(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ctx := context.Background()
	_, err := a.Services.Profiles.Create(ctx, "plain", profile.Config{
		OAuthURL:       "https://auth.example.com/token",
		ClientID:       "cli",
		TokenStorePath: a.Settings().DataDir + "/tokens/plain.json",
	})
	require.NoError(t, err)

	_, _, err = a.RotateToken(ctx, "plain")
	require.True(t, errs.Is(err, errs.KindValidation))

	ev := auditEvent(t, a, "plain", audit.ActionTokenRotate)
	assert.Equal(t, audit.OutcomeFailure, ev.Outcome)
	assert.Equal(t, errs.KindValidation.String(), ev.ErrorKind)
}

func TestApplication_RotateToken(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ctx := context.Background()
	createProfile(t, a, "work", "https://auth.example.com/token")
	_, err := a.StoreToken(ctx, "work", &refresh.Token{RefreshToken: "rt-1"})
	require.NoError(t, err)

	_, m, err := a.RotateToken(ctx, "work")
	require.NoError(t, err)
	assert.True(t, m.Migrated)

	_, tok, err := a.Token(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", tok.RefreshToken)
}

func TestApplication_RotateAllTokensSkipsCurrent(t *testing.T) {
	a := newTestApp(t, testSettings(t))
	ctx := context.Background()
	createProfile(t, a, "work", "https://auth.example.com/token")
	createProfile(t, a, "home", "https://auth.example.com/token")
	_, err := a.StoreToken(ctx, "work", &refresh.Token{RefreshToken: "rt-1"})
	require.NoError(t, err)

	res, err := a.RotateAllTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Total)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 0, res.Stats.Failed)
}
