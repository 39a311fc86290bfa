// Package logging provides the structured logging used throughout credwrap.
//
// It is a thin layer over Go's log/slog that tags every record with a
// subsystem name and offers printf-style helpers:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("ProfileStore", "Created profile %s", id)
//	logging.Debug("Lock", "Waiting for %s (attempt %d)", path, attempt)
//	logging.Warn("ProfileStore", "Dropping invalid profile record %q", id)
//	logging.Error("Refresh", err, "Token refresh failed for profile %s", id)
//
// # Subsystems
//
//   - Envelope: encryption, decryption and format migration
//   - Lock: in-process mutex and cross-process file locks
//   - ProfileStore / State: profile CRUD and current-profile switching
//   - Resilience: circuit breaker transitions and rate limiting
//   - Refresh: OAuth refresh attempts
//   - TokenStore: token file persistence
//   - Audit / Config: audit log and configuration loading
//
// # Security Audit Events
//
// Audit emits INFO records prefixed with SECURITY_AUDIT and an event
// attribute, matching the convention used by the token store:
//
//	logging.Audit("TokenStore", "token_stored", "OAuth token stored",
//	    "profile", id, "has_refresh_token", tok.RefreshToken != "")
//
// Token values and passphrases are never logged. Use Redact when a log line
// needs to show whether a secret is present.
package logging
