package cmd

import (
	"context"
	"time"

	"credwrap/internal/app"
	"credwrap/internal/audit"
	"credwrap/internal/errs"

	"github.com/spf13/cobra"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(newAuditListCmd(opts))
	return cmd
}

func newAuditListCmd(opts *rootOptions) *cobra.Command {
	var (
		filter audit.Filter
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List audit events",
		Long: `List audit events, oldest first.

Examples:
  credwrap audit list --profile work --since 24h
  credwrap audit list --action token_refreshed --limit 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if filter.Limit < 0 {
				return errs.E(errs.KindValidation, "cli.audit", "--limit must not be negative")
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				if a.Services.Audit == nil {
					return errs.E(errs.KindValidation, "cli.audit", "the audit log is disabled in the configuration")
				}
				events, err := a.Services.Audit.Query(ctx, filter)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).FormatAuditEvents(events)
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&filter.ProfileID, "profile", "", "Only events for this profile")
	f.StringVar(&filter.Action, "action", "", "Only events with this action, e.g. token_refreshed or profile_created")
	f.DurationVar(&since, "since", 0, "Only events newer than this, e.g. 24h")
	f.IntVar(&filter.Limit, "limit", 50, "Show at most this many of the most recent events (0 for all)")

	return cmd
}
