package app

import (
	"io"

	"credwrap/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug settings
	Debug bool

	// Quiet suppresses all log output
	Quiet bool

	// Custom configuration file (optional)
	// When empty, ~/.config/credwrap/config.yaml is used
	ConfigPath string

	// DataDir overrides the configured data directory when set
	DataDir string

	// LogOutput receives log lines; defaults to stderr
	LogOutput io.Writer

	// Loaded configuration; populated by NewApplication when nil
	Settings *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug, quiet bool, configPath, dataDir string) *Config {
	return &Config{
		Debug:      debug,
		Quiet:      quiet,
		ConfigPath: configPath,
		DataDir:    dataDir,
	}
}
