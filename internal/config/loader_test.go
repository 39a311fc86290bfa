package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// Helper function to create a temporary config file
func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func withHome(t *testing.T, home string) {
	t.Helper()
	original := osUserHomeDir
	osUserHomeDir = func() (string, error) { return home, nil }
	t.Cleanup(func() { osUserHomeDir = original })
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.DataDir = dir
	assert.Equal(t, want, cfg)
	assert.Equal(t, filepath.Join(dir, "profiles.json"), cfg.ProfilesPath())
	assert.Equal(t, filepath.Join(dir, "state.json"), cfg.StatePath())
	assert.Equal(t, filepath.Join(dir, "audit.log"), cfg.AuditPath())
}

func TestLoad_DefaultPath(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "credwrap"), cfg.DataDir)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)

	path := writeConfig(t, t.TempDir(), `
dataDir: ~/data
logLevel: debug
profiles:
  lock:
    stale: 15s
    retries: 3
    minBackoff: 50ms
    maxBackoff: 1s
audit:
  enabled: false
  lock:
    stale: 45s
    minBackoff: 10ms
    maxBackoff: 100ms
refresh:
  maxAttempts: 5
  baseDelay: 250ms
breaker:
  resetTimeout: 2m
metrics:
  textfilePath: ~/metrics/credwrap.prom
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Profiles.Lock.Stale)
	assert.Equal(t, uint(3), cfg.Profiles.Lock.Retries)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Audit.Lock.Stale)
	assert.Equal(t, 5, cfg.Refresh.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Refresh.BaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.ResetTimeout)
	assert.Equal(t, filepath.Join(home, "metrics", "credwrap.prom"), cfg.Metrics.TextfilePath)

	// Untouched sections keep their defaults.
	def := Default()
	assert.Equal(t, def.Crypto, cfg.Crypto)
	assert.Equal(t, def.Refresh.MaxDelay, cfg.Refresh.MaxDelay)
	assert.Equal(t, def.Breaker.FailureThreshold, cfg.Breaker.FailureThreshold)
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(writeConfig(t, dir, ""))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "profiles:\n  maxProfile: 10\n")

	_, err := Load(path)
	require.Error(t, err)

	var ce ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "parse", ce.ErrorType)
	assert.Equal(t, 2, ce.LineNumber)
	assert.NotEmpty(t, ce.Suggestions)
	assert.Contains(t, ce.DetailedError(), "Line: 2")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "refresh:\n  baseDelay: soon\n")

	_, err := Load(path)
	var ce ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "parse", ce.ErrorType)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "refresh:\n  maxAttempts: 0\n  jitter: 2\n")

	_, err := Load(path)
	var ce ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "validation", ce.ErrorType)
	assert.Contains(t, ce.Message, "refresh.maxAttempts")
	assert.Contains(t, ce.Message, "refresh.jitter")
}

func TestConfig_Validate(t *testing.T) {
	valid := Default()
	valid.DataDir = "/tmp/credwrap"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }, "dataDir"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "logLevel"},
		{"zero profiles", func(c *Config) { c.Profiles.MaxProfiles = 0 }, "profiles.maxProfiles"},
		{"inverted backoff", func(c *Config) { c.Profiles.Lock.MaxBackoff = time.Millisecond }, "profiles.lock.maxBackoff"},
		{"negative stale", func(c *Config) { c.Audit.Lock.Stale = -time.Second }, "audit.lock.stale"},
		{"empty bucket", func(c *Config) { c.Profiles.RateLimit.MaxTokens = 0 }, "profiles.rateLimit"},
		{"no queue", func(c *Config) { c.Mutex.MaxQueue = 0 }, "mutex.maxQueue"},
		{"no lanes", func(c *Config) { c.Crypto.Parallelism = 0 }, "crypto.parallelism"},
		{"tiny memory", func(c *Config) { c.Crypto.MemoryKiB = 8 }, "crypto.memoryKiB"},
		{"delay cap below base", func(c *Config) { c.Refresh.MaxDelay = time.Millisecond }, "refresh.maxDelay"},
		{"no http timeout", func(c *Config) { c.Refresh.RequestTimeout = 0 }, "refresh.requestTimeout"},
		{"no failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }, "breaker.failureThreshold"},
		{"no reset", func(c *Config) { c.Breaker.ResetTimeout = 0 }, "breaker.resetTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var ve ValidationErrors
			require.True(t, errors.As(err, &ve))
			var fields []string
			for _, e := range ve {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/credwrap"

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stale: 10s")

	var back Config
	require.NoError(t, decode(data, &back))
	assert.Equal(t, cfg, back)
}

func TestConfig_Conversions(t *testing.T) {
	cfg := Default()

	fl := cfg.Audit.Lock.FileLock()
	assert.Equal(t, 30*time.Second, fl.Stale)
	assert.Nil(t, fl.InitialContent)

	assert.NoError(t, cfg.Refresh.RateLimit.Limiter().Validate())

	rc := cfg.Refresh.Refresher()
	assert.Equal(t, cfg.Refresh.MaxAttempts, rc.MaxAttempts)
	assert.Equal(t, 2.0, rc.Factor)

	bc := cfg.Breaker.Breaker("token-endpoint")
	assert.Equal(t, "token-endpoint", bc.Name)
	assert.Equal(t, cfg.Breaker.ResetTimeout, bc.ResetTimeout)

	assert.Equal(t, cfg.Crypto.MemoryKiB, cfg.Crypto.Params().MemoryKiB)
}
