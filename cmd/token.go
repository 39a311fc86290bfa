package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"credwrap/internal/app"
	"credwrap/internal/errs"
	"credwrap/internal/formatting"
	"credwrap/internal/refresh"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// tokenOptions holds the flags shared by the token subcommands.
type tokenOptions struct {
	*rootOptions
	profileID string
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	topts := &tokenOptions{rootOptions: opts}

	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Store, refresh and inspect profile tokens",
		Long: `Store, refresh and inspect profile tokens.

Every subcommand acts on the current profile unless --profile is given.`,
	}
	cmd.PersistentFlags().StringVarP(&topts.profileID, "profile", "p", "", "Profile to act on (default: the current profile)")

	cmd.AddCommand(
		newTokenSetCmd(topts),
		newTokenRefreshCmd(topts),
		newTokenShowCmd(topts),
		newTokenRotateCmd(topts),
		newTokenDeleteCmd(topts),
	)
	return cmd
}

// startSpinner shows progress on stderr unless --quiet is set. The returned
// function stops it.
func (o *rootOptions) startSpinner(suffix string) func() {
	if o.quiet {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	return s.Stop
}

func newTokenSetCmd(opts *tokenOptions) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a refresh token obtained elsewhere",
		Long: `Store a refresh token obtained elsewhere, for example from a browser
login. The token is asked for interactively, or read from the first line of
stdin with --stdin. It is encrypted when the profile has a passphrase.

Examples:
  credwrap token set --profile work
  pass show oauth/work | credwrap token set --profile work --stdin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rt string
			var err error
			if fromStdin {
				rt, err = readSecretLine(cmd.InOrStdin())
			} else {
				rt, err = promptSecret("Refresh token: ")
			}
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, err := a.ResolveProfile(ctx, opts.profileID)
				if err != nil {
					return err
				}
				tok := &refresh.Token{
					RefreshToken: rt,
					TokenType:    "Bearer",
					Scopes:       p.Scopes,
				}
				if _, err := a.StoreToken(ctx, p.ID, tok); err != nil {
					return err
				}
				printDone(cmd, "Stored refresh token for profile %s", p.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the refresh token from stdin")
	return cmd
}

func newTokenRefreshCmd(opts *tokenOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for a new access token",
		Long: `Exchange the stored refresh token for a new access token.

Transient failures are retried with exponential backoff. Exit status 4 means
the token endpoint rejected the credentials; status 5 means it could not be
reached, is rate limited or the circuit breaker is open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				stop := opts.startSpinner("Refreshing token...")
				p, res, err := a.Refresh(ctx, opts.profileID)
				stop()
				if err != nil {
					return err
				}

				if opts.output != string(formatting.FormatTable) {
					return opts.formatter(cmd).FormatToken(formatting.NewTokenView(p.ID, res.Token, p.Encrypted(), false))
				}
				expiry := "without expiry"
				if !res.Token.ExpiresAt.IsZero() {
					expiry = "expires " + formatting.FormatExpiry(res.Token.ExpiresAt, time.Now())
				}
				printDone(cmd, "Refreshed token for profile %s (%s, %s)", p.ID, expiry, retries(res.RetryCount))
				return nil
			})
		},
	}
}

func retries(n int) string {
	if n == 1 {
		return "1 retry"
	}
	return fmt.Sprintf("%d retries", n)
}

func newTokenShowCmd(opts *tokenOptions) *cobra.Command {
	var (
		reveal bool
		raw    bool
		fresh  bool
		minTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the stored token",
		Long: `Show the stored token. The access token is redacted unless --reveal is
given; --raw prints only the access token, for use in scripts.

With --fresh the token is refreshed first when it has no access token or
expires within --min-ttl.

Examples:
  curl -H "Authorization: Bearer $(credwrap token show --raw --fresh)" https://api.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, tok, err := a.Token(ctx, opts.profileID)
				if err != nil {
					return err
				}

				if fresh && (tok.AccessToken == "" || tok.ExpiresWithin(time.Now(), minTTL)) {
					stop := opts.startSpinner("Refreshing token...")
					_, res, err := a.Refresh(ctx, p.ID)
					stop()
					if err != nil {
						return err
					}
					tok = res.Token
				}

				if raw {
					if tok.AccessToken == "" {
						return errs.E(errs.KindNotFound, "cli.token", "profile %s has no access token; run 'credwrap token refresh'", p.ID)
					}
					fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
					return nil
				}
				return opts.formatter(cmd).FormatToken(formatting.NewTokenView(p.ID, tok, p.Encrypted(), reveal))
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&reveal, "reveal", false, "Include the access token in the output")
	f.BoolVar(&raw, "raw", false, "Print only the access token")
	f.BoolVar(&fresh, "fresh", false, "Refresh first when the access token is missing or about to expire")
	f.DurationVar(&minTTL, "min-ttl", time.Minute, "Remaining lifetime below which --fresh refreshes")

	return cmd
}

func newTokenRotateCmd(opts *tokenOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt token files in the current envelope format",
		Long: `Re-encrypt token files in the current envelope format.

Without --all the selected profile's token is re-encrypted with a fresh salt
and nonce. With --all every encrypted profile is checked and only token files
in an older format are rewritten.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && opts.profileID != "" {
				return errs.E(errs.KindValidation, "cli.token", "--all cannot be combined with --profile")
			}

			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				var view formatting.RotationView
				stop := opts.startSpinner("Re-encrypting tokens...")
				if all {
					res, err := a.RotateAllTokens(ctx)
					stop()
					if err != nil {
						return err
					}
					view = formatting.NewRotationView(res)
				} else {
					p, m, err := a.RotateToken(ctx, opts.profileID)
					stop()
					if err != nil {
						return err
					}
					view = formatting.SingleRotationView(p.ID, m)
				}
				if err := opts.formatter(cmd).FormatRotation(view); err != nil {
					return err
				}
				if view.Stats.Failed > 0 {
					return errs.E(errs.KindInconsistent, "cli.token", "%d of %d token files could not be rotated", view.Stats.Failed, view.Stats.Total)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Rotate the token files of every encrypted profile")
	return cmd
}

func newTokenDeleteCmd(opts *tokenOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Short:   "Delete the stored token",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, err := a.DeleteToken(ctx, opts.profileID)
				if err != nil {
					return err
				}
				printDone(cmd, "Deleted token of profile %s", p.ID)
				return nil
			})
		},
	}
}
