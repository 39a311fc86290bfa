package formatting

import (
	"fmt"
	"strings"
	"time"

	"credwrap/internal/audit"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TableFormatter provides rich table output formatting
type TableFormatter struct {
	options Options
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(options Options) Formatter {
	return &TableFormatter{
		options: options,
	}
}

// FormatProfiles lists profiles, marking the current one with an asterisk.
func (f *TableFormatter) FormatProfiles(profiles []ProfileView) error {
	if len(profiles) == 0 {
		f.printEmpty("No profiles found")
		return nil
	}

	t := f.createTable()
	t.AppendHeader(header("", "ID", "OAUTH URL", "CLIENT ID", "SCOPES", "ENCRYPTED", "LAST USED"))
	for _, p := range profiles {
		marker := ""
		if p.Current {
			marker = text.FgGreen.Sprint("*")
		}
		t.AppendRow(table.Row{
			marker,
			p.ID,
			p.OAuthURL,
			p.ClientID,
			strings.Join(p.Scopes, " "),
			yesNo(p.Encrypted),
			f.since(p.LastUsedAt),
		})
	}
	t.Render()
	f.printTotal(len(profiles), "profiles")
	return nil
}

// FormatProfile shows one profile as key/value pairs.
func (f *TableFormatter) FormatProfile(p ProfileView) error {
	t := f.createTable()
	t.AppendHeader(header("KEY", "VALUE"))
	t.AppendRows([]table.Row{
		{key("ID"), p.ID},
		{key("OAuth URL"), p.OAuthURL},
		{key("Client ID"), p.ClientID},
		{key("Client secret"), secretState(p.HasClientSecret)},
		{key("Scopes"), strings.Join(p.Scopes, " ")},
		{key("Token store"), p.TokenStorePath},
		{key("Encrypted"), yesNo(p.Encrypted)},
		{key("Current"), yesNo(p.Current)},
		{key("Created"), formatTimestamp(p.CreatedAt)},
		{key("Updated"), formatTimestamp(p.UpdatedAt)},
		{key("Last used"), f.since(p.LastUsedAt)},
	})
	t.Render()
	return nil
}

// FormatToken shows a stored token's metadata.
func (f *TableFormatter) FormatToken(tok TokenView) error {
	status := text.FgGreen.Sprint("valid")
	if !tok.Valid {
		status = text.FgYellow.Sprint("needs refresh")
	}
	expiry := "never"
	if tok.ExpiresAt != nil {
		expiry = fmt.Sprintf("%s (%s)", formatTimestamp(*tok.ExpiresAt), FormatExpiry(*tok.ExpiresAt, f.options.Now()))
	}
	refreshState := text.FgYellow.Sprint("missing")
	if tok.HasRefreshToken {
		refreshState = text.FgGreen.Sprint("present")
	}

	t := f.createTable()
	t.AppendHeader(header("KEY", "VALUE"))
	t.AppendRows([]table.Row{
		{key("Profile"), tok.ProfileID},
		{key("Status"), status},
		{key("Type"), tok.TokenType},
		{key("Access token"), tok.AccessToken},
		{key("Refresh token"), refreshState},
		{key("Expires"), expiry},
		{key("Granted"), f.since(tok.GrantedAt)},
		{key("Scopes"), strings.Join(tok.Scopes, " ")},
		{key("Encrypted"), yesNo(tok.Encrypted)},
	})
	t.Render()
	return nil
}

// FormatAuditEvents lists audit events oldest first.
func (f *TableFormatter) FormatAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		f.printEmpty("No audit events found")
		return nil
	}

	t := f.createTable()
	t.AppendHeader(header("TIME", "ACTION", "PROFILE", "OUTCOME", "DETAILS"))
	for _, ev := range events {
		outcome := text.FgGreen.Sprint(ev.Outcome)
		if ev.Outcome != audit.OutcomeSuccess {
			outcome = text.FgRed.Sprint(ev.Outcome)
			if ev.ErrorKind != "" {
				outcome += " (" + ev.ErrorKind + ")"
			}
		}
		t.AppendRow(table.Row{
			formatTimestamp(ev.Timestamp),
			ev.Action,
			ev.ProfileID,
			outcome,
			formatDetails(ev.Details),
		})
	}
	t.Render()
	f.printTotal(len(events), "events")
	return nil
}

// FormatRotation lists per-profile rotation results and the totals.
func (f *TableFormatter) FormatRotation(r RotationView) error {
	t := f.createTable()
	t.AppendHeader(header("PROFILE", "RESULT", "FROM", "TO"))
	for _, id := range sortedKeys(r.Results) {
		m := r.Results[id]
		result := text.FgHiBlack.Sprint("skipped")
		switch {
		case m.Error != "":
			result = text.FgRed.Sprint("failed: " + m.Error)
		case m.Migrated:
			result = text.FgGreen.Sprint("rotated")
		}
		t.AppendRow(table.Row{id, result, string(m.OldVersion), string(m.NewVersion)})
	}
	t.AppendFooter(table.Row{
		"",
		fmt.Sprintf("%d rotated, %d skipped, %d failed", r.Stats.Migrated, r.Stats.Skipped, r.Stats.Failed),
		"",
		"",
	})
	t.Render()
	return nil
}

// Helper methods

// createTable creates a new table with standard styling
func (f *TableFormatter) createTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(f.options.Writer)
	t.SetStyle(table.StyleRounded)
	return t
}

func (f *TableFormatter) printEmpty(message string) {
	fmt.Fprintf(f.options.Writer, "%s\n", text.FgYellow.Sprint(message))
}

func (f *TableFormatter) printTotal(n int, noun string) {
	fmt.Fprintf(f.options.Writer, "%s %s %s\n",
		text.FgHiBlue.Sprint("Total:"),
		text.FgHiWhite.Sprint(n),
		text.FgHiBlue.Sprint(noun))
}

func (f *TableFormatter) since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return FormatAgo(*t, f.options.Now())
}

func header(cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = text.FgHiCyan.Sprint(c)
	}
	return row
}

func key(k string) string {
	return text.FgHiCyan.Sprint(k)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func secretState(set bool) string {
	if set {
		return "[REDACTED]"
	}
	return "none"
}

func formatDetails(details map[string]string) string {
	parts := make([]string, 0, len(details))
	for _, k := range sortedKeys(details) {
		parts = append(parts, k+"="+details[k])
	}
	return Truncate(strings.Join(parts, " "), MaxCellLen)
}
