// Package formatting renders credwrap records for the terminal.
//
// Every formatter works on view types rather than on the stored records, so
// client secrets, passphrases and tokens never reach the output unless a
// command deliberately prints them itself.
package formatting

import (
	"fmt"
	"io"
	"os"
	"time"

	"credwrap/internal/audit"
)

// OutputFormat represents the desired output format
type OutputFormat string

const (
	FormatTable OutputFormat = "table" // Rich table output
	FormatJSON  OutputFormat = "json"  // JSON output
	FormatYAML  OutputFormat = "yaml"  // YAML output
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected table, json or yaml)", s)
}

// Options configures the formatter behavior
type Options struct {
	Format OutputFormat
	// Writer receives the output; defaults to os.Stdout.
	Writer io.Writer
	// Now is used for relative times; defaults to time.Now.
	Now func() time.Time
}

// Formatter renders command results.
type Formatter interface {
	FormatProfiles(profiles []ProfileView) error
	FormatProfile(p ProfileView) error
	FormatToken(t TokenView) error
	FormatAuditEvents(events []audit.Event) error
	FormatRotation(r RotationView) error
}

// New creates the formatter for options.Format.
func New(options Options) Formatter {
	if options.Writer == nil {
		options.Writer = os.Stdout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	switch options.Format {
	case FormatJSON:
		return NewJSONFormatter(options)
	case FormatYAML:
		return NewYAMLFormatter(options)
	default:
		return NewTableFormatter(options)
	}
}
