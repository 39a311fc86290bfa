package formatting

import (
	"credwrap/internal/audit"

	"gopkg.in/yaml.v3"
)

// YAMLFormatter provides YAML output formatting
type YAMLFormatter struct {
	options Options
}

// NewYAMLFormatter creates a new YAML formatter
func NewYAMLFormatter(options Options) Formatter {
	return &YAMLFormatter{
		options: options,
	}
}

func (f *YAMLFormatter) FormatProfiles(profiles []ProfileView) error {
	if profiles == nil {
		profiles = []ProfileView{}
	}
	return f.encode(profiles)
}

func (f *YAMLFormatter) FormatProfile(p ProfileView) error {
	return f.encode(p)
}

func (f *YAMLFormatter) FormatToken(t TokenView) error {
	return f.encode(t)
}

func (f *YAMLFormatter) FormatAuditEvents(events []audit.Event) error {
	if events == nil {
		events = []audit.Event{}
	}
	return f.encode(events)
}

func (f *YAMLFormatter) FormatRotation(r RotationView) error {
	return f.encode(r)
}

func (f *YAMLFormatter) encode(v any) error {
	enc := yaml.NewEncoder(f.options.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
