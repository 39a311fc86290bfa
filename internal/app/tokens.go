package app

import (
	"context"

	"credwrap/internal/audit"
	"credwrap/internal/envelope"
	"credwrap/internal/errs"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
)

// Token returns the resolved profile and its stored token. A profile
// without a token yields a KindNotFound error.
func (a *Application) Token(ctx context.Context, id string) (*profile.Profile, *refresh.Token, error) {
	p, err := a.ResolveProfile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tok, err := a.Services.Tokens.Read(ctx, p.ID)
	if err != nil {
		return p, nil, err
	}
	if tok == nil {
		return p, nil, errs.E(errs.KindNotFound, "app.token", "profile %s has no stored token; run 'credwrap token set'", p.ID)
	}
	return p, tok, nil
}

// StoreToken saves tok for the resolved profile, replacing any stored token.
func (a *Application) StoreToken(ctx context.Context, id string, tok *refresh.Token) (*profile.Profile, error) {
	p, err := a.ResolveProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	err = a.Services.Tokens.Write(ctx, p.ID, tok)
	a.recordOutcome(ctx, audit.ActionTokenStore, p.ID, err, nil)
	return p, err
}

// DeleteToken removes the resolved profile's token file.
func (a *Application) DeleteToken(ctx context.Context, id string) (*profile.Profile, error) {
	p, err := a.ResolveProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	err = a.Services.Tokens.Delete(ctx, p.ID)
	a.recordOutcome(ctx, audit.ActionTokenDelete, p.ID, err, nil)
	return p, err
}

// RotateToken re-encrypts the resolved profile's token file in the current
// envelope format.
func (a *Application) RotateToken(ctx context.Context, id string) (*profile.Profile, envelope.Migration, error) {
	p, err := a.ResolveProfile(ctx, id)
	if err != nil {
		return nil, envelope.Migration{}, err
	}
	m, err := a.Services.Tokens.Rotate(ctx, p.ID)
	a.recordOutcome(ctx, audit.ActionTokenRotate, p.ID, err, map[string]string{
		"from": string(m.OldVersion),
		"to":   string(m.NewVersion),
	})
	return p, m, err
}

// RotateAllTokens re-encrypts the token files of every encrypted profile.
// Profiles whose files are already current are reported as skipped.
func (a *Application) RotateAllTokens(ctx context.Context) (envelope.BatchResult, error) {
	ps, err := a.Services.Profiles.List(ctx)
	if err != nil {
		return envelope.BatchResult{}, err
	}
	res, err := a.Services.Tokens.RotateAll(ctx, ps)
	if err != nil {
		return res, err
	}
	for id, m := range res.Results {
		if !m.Migrated && m.Error == "" {
			continue
		}
		ev := audit.Event{
			Action:    audit.ActionTokenRotate,
			ProfileID: id,
			Details:   map[string]string{"from": string(m.OldVersion), "to": string(m.NewVersion), "batch": "true"},
		}
		if m.Error != "" {
			ev.Outcome = audit.OutcomeFailure
			ev.ErrorKind = m.Error
		}
		a.Services.RecordAudit(ctx, ev)
	}
	return res, nil
}

func (a *Application) recordOutcome(ctx context.Context, action, profileID string, err error, details map[string]string) {
	ev := audit.Event{Action: action, ProfileID: profileID, Details: details}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.ErrorKind = errs.KindOf(err).String()
	}
	a.Services.RecordAudit(ctx, ev)
}
