// Package config provides configuration management for credwrap.
//
// Configuration is read from a single YAML file, by default
// ~/.config/credwrap/config.yaml, layered on top of Default. Every section
// is optional; keys that are present override the built-in value and
// unknown keys are rejected. Durations use Go duration syntax.
//
// # Example
//
//	dataDir: ~/.local/share/credwrap
//	logLevel: debug
//	profiles:
//	  lock:
//	    stale: 10s
//	audit:
//	  enabled: true
//	  lock:
//	    stale: 30s
//	refresh:
//	  maxAttempts: 5
//	  baseDelay: 250ms
//	breaker:
//	  resetTimeout: 2m
//	metrics:
//	  textfilePath: /var/lib/node_exporter/credwrap.prom
//
// # Data Directory
//
// DataDir holds profiles.json, state.json and audit.log. When unset it is
// the directory containing the configuration file.
package config
