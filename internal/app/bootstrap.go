package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"credwrap/internal/audit"
	"credwrap/internal/config"
	"credwrap/internal/errs"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/pkg/logging"
)

// Application bundles the loaded configuration and the services built
// from it. It is created once per command invocation.
//
// Example usage:
//
//	cfg := app.NewConfig(false, false, "", "")
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	defer application.Close()
type Application struct {
	config   *Config
	Services *Services
}

// NewApplication creates and initializes a new application instance with the provided configuration.
// This function performs the complete bootstrap sequence:
//
//  1. Loads credwrap configuration unless cfg.Settings is already set
//  2. Configures logging from the debug flag or the configured level
//  3. Initializes stores, the refresher and the audit log
func NewApplication(cfg *Config) (*Application, error) {
	if cfg.Settings == nil {
		settings, err := config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load credwrap configuration: %w", err)
		}
		cfg.Settings = &settings
	}
	if cfg.DataDir != "" {
		cfg.Settings.DataDir = cfg.DataDir
	}

	level, err := logging.ParseLevel(cfg.Settings.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stderr
	if cfg.LogOutput != nil {
		logOutput = cfg.LogOutput
	}
	if cfg.Quiet {
		logOutput = io.Discard
	}
	logging.InitForCLI(level, logOutput)

	services, err := InitializeServices(*cfg.Settings)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	logging.Debug("Bootstrap", "Using data directory %s", cfg.Settings.DataDir)

	return &Application{
		config:   cfg,
		Services: services,
	}, nil
}

// Settings returns the effective configuration.
func (a *Application) Settings() config.Config {
	return *a.config.Settings
}

// Close flushes the audit log and writes the metrics textfile.
func (a *Application) Close() error {
	return a.Services.Close()
}

// ResolveProfile returns id, or the current profile when id is empty.
func (a *Application) ResolveProfile(ctx context.Context, id string) (*profile.Profile, error) {
	if id == "" {
		st, err := a.Services.State.Current(ctx)
		if err != nil {
			return nil, err
		}
		id = st.Current()
		if id == "" {
			return nil, errs.E(errs.KindNotFound, "app.resolve", "no profile selected; pass --profile or run 'credwrap profile use'")
		}
	}
	return a.Services.Profiles.Read(ctx, id)
}

// DeleteProfile removes a profile, its token file unless keepToken is set,
// and the current selection when it pointed at the profile.
func (a *Application) DeleteProfile(ctx context.Context, id string, keepToken bool) error {
	p, err := a.Services.Profiles.Read(ctx, id)
	if err != nil {
		return err
	}
	if err := a.Services.Profiles.Delete(ctx, id); err != nil {
		return err
	}

	var errList []error
	if !keepToken {
		if err := a.Services.Tokens.DeleteFile(ctx, p.TokenStorePath); err != nil {
			errList = append(errList, fmt.Errorf("removing token file: %w", err))
		}
	}

	st, err := a.Services.State.Current(ctx)
	if err != nil {
		errList = append(errList, err)
	} else if st.Current() == id {
		if err := a.Services.State.Clear(ctx); err != nil {
			errList = append(errList, fmt.Errorf("clearing current profile: %w", err))
		}
	}
	return errors.Join(errList...)
}

// Refresh refreshes the token of the given profile, or the current one.
func (a *Application) Refresh(ctx context.Context, id string) (*profile.Profile, *refresh.Result, error) {
	p, err := a.ResolveProfile(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	res, err := a.Services.Refresher.RefreshProfile(ctx, p)
	if err != nil {
		return p, nil, err
	}
	if err := a.Services.Profiles.MarkUsed(ctx, p.ID, res.Token.GrantedAt); err != nil {
		logging.Warn("Bootstrap", "Could not record use of profile %s: %v", p.ID, err)
	}
	return p, res, nil
}

// UpdateProfile applies u. When the passphrase changes, the stored token
// is re-encrypted under the new one; a token that cannot be read with the
// old passphrase aborts the update.
func (a *Application) UpdateProfile(ctx context.Context, id string, u profile.Update) (*profile.Profile, error) {
	if u.EncryptionPassphrase == nil {
		return a.Services.Profiles.Update(ctx, id, u)
	}

	tok, err := a.Services.Tokens.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading token with the current passphrase: %w", err)
	}
	p, err := a.Services.Profiles.Update(ctx, id, u)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return p, nil
	}
	if err := a.Services.Tokens.Write(ctx, id, tok); err != nil {
		return p, fmt.Errorf("re-encrypting token: %w", err)
	}
	a.Services.RecordAudit(ctx, audit.Event{Action: audit.ActionTokenRotate, ProfileID: id})
	return p, nil
}
