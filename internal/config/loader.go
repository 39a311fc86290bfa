package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"credwrap/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/credwrap"
	configFileName = "config.yaml"
)

// osUserHomeDir is swapped out in tests.
var osUserHomeDir = os.UserHomeDir

// DefaultDir returns ~/.config/credwrap.
func DefaultDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// DefaultPath returns the default config.yaml location.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}

// Load reads the YAML file at path on top of Default and validates the
// result. An empty path means DefaultPath; a missing file yields the
// defaults. DataDir defaults to the directory holding the config file.
func Load(path string) (Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("Config", "No config.yaml found at %s, using defaults", path)
	case err != nil:
		return Config{}, ConfigurationError{
			FilePath:  path,
			ErrorType: "io",
			Message:   "cannot read configuration file",
			Details:   err.Error(),
		}
	default:
		if err := decode(data, &cfg); err != nil {
			return Config{}, parseError(path, err)
		}
		logging.Debug("Config", "Loaded configuration from %s", path)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	cfg.DataDir, err = expandHome(cfg.DataDir)
	if err != nil {
		return Config{}, err
	}
	if cfg.Metrics.TextfilePath != "" {
		if cfg.Metrics.TextfilePath, err = expandHome(cfg.Metrics.TextfilePath); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, ConfigurationError{
			FilePath:  path,
			ErrorType: "validation",
			Message:   err.Error(),
		}
	}
	return cfg, nil
}

// decode rejects unknown keys so that typos do not silently fall back to
// defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ProfilesPath returns the profile store location.
func (c Config) ProfilesPath() string {
	return filepath.Join(c.DataDir, ProfilesFileName)
}

// StatePath returns the state file location.
func (c Config) StatePath() string {
	return filepath.Join(c.DataDir, StateFileName)
}

// AuditPath returns the audit log location.
func (c Config) AuditPath() string {
	return filepath.Join(c.DataDir, AuditFileName)
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func parseError(path string, err error) ConfigurationError {
	ce := ConfigurationError{
		FilePath:  path,
		ErrorType: "parse",
		Message:   "malformed configuration file",
		Details:   err.Error(),
	}
	if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
		ce.LineNumber, _ = strconv.Atoi(m[1])
	}
	if strings.Contains(err.Error(), "not found in type") {
		ce.Suggestions = append(ce.Suggestions, "check the key spelling; unknown keys are rejected")
	}
	if strings.Contains(err.Error(), "time.Duration") {
		ce.Suggestions = append(ce.Suggestions, `durations use Go syntax, for example "500ms" or "1m30s"`)
	}
	return ce
}
