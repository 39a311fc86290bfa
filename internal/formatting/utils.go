package formatting

import (
	"fmt"
	"strings"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05 MST"

// MaxCellLen bounds free-form table cells such as audit details.
const MaxCellLen = 60

// Truncate collapses whitespace to single spaces and cuts s to maxLen
// runes, ending in "..." when shortened. maxLen below 4 is raised to 4.
func Truncate(s string, maxLen int) string {
	if maxLen < 4 {
		maxLen = 4
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(timestampLayout)
}

// FormatDuration renders d coarsely, e.g. "5 minutes" or "2 days".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		return plural(int(d.Minutes()), "minute")
	}
	if d < 24*time.Hour {
		return plural(int(d.Hours()), "hour")
	}
	return plural(int(d.Hours()/24), "day")
}

// FormatExpiry renders expiresAt relative to now as "in X" or
// "expired X ago".
func FormatExpiry(expiresAt, now time.Time) string {
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		return "in " + FormatDuration(remaining)
	}
	if -remaining < time.Minute {
		return "expired just now"
	}
	return fmt.Sprintf("expired %s ago", FormatDuration(-remaining))
}

// FormatAgo renders a past time relative to now.
func FormatAgo(t, now time.Time) string {
	d := now.Sub(t)
	if d < time.Minute {
		return "just now"
	}
	return FormatDuration(d) + " ago"
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
