package formatting

import (
	"encoding/json"

	"credwrap/internal/audit"
)

// JSONFormatter provides structured JSON output formatting
type JSONFormatter struct {
	options Options
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter(options Options) Formatter {
	return &JSONFormatter{
		options: options,
	}
}

// FormatProfiles writes the profiles as a JSON array. An empty list is
// written as [] rather than null.
func (f *JSONFormatter) FormatProfiles(profiles []ProfileView) error {
	if profiles == nil {
		profiles = []ProfileView{}
	}
	return f.encode(profiles)
}

func (f *JSONFormatter) FormatProfile(p ProfileView) error {
	return f.encode(p)
}

func (f *JSONFormatter) FormatToken(t TokenView) error {
	return f.encode(t)
}

func (f *JSONFormatter) FormatAuditEvents(events []audit.Event) error {
	if events == nil {
		events = []audit.Event{}
	}
	return f.encode(events)
}

func (f *JSONFormatter) FormatRotation(r RotationView) error {
	return f.encode(r)
}

func (f *JSONFormatter) encode(v any) error {
	enc := json.NewEncoder(f.options.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
