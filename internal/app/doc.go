// Package app provides application bootstrap for credwrap.
//
// NewApplication loads the configuration, initializes logging and builds
// the Services every command works with:
//
//   - Profiles: the profile store at <dataDir>/profiles.json
//   - State: the current-profile selection at <dataDir>/state.json
//   - Tokens: per-profile token files, encrypted with Cipher
//   - Refresher: the OAuth refresh protocol, guarded by Breaker and a rate limiter
//   - Audit: the JSON-lines audit log at <dataDir>/audit.log (optional)
//   - Metrics: Prometheus collectors, exported to a textfile on Close
//
// The profile store and the state manager share one in-process FIFO mutex
// configuration and one file-lock configuration; the audit log has its own
// lock so that its staleness can be tuned separately.
//
// Commands call Close before exiting so that queued audit events are
// written and the metrics textfile is refreshed.
package app
