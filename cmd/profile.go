package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"credwrap/internal/app"
	"credwrap/internal/errs"
	"credwrap/internal/formatting"
	"credwrap/internal/profile"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// tokensDirName is the directory under the data dir holding default token files.
const tokensDirName = "tokens"

func newProfileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles"},
		Short:   "Manage credential profiles",
		Long: `Manage credential profiles.

A profile names an OAuth client (token endpoint, client id, optional
client secret and scopes) and the file its tokens are stored in. When a
passphrase is set, the token file is encrypted with it.`,
	}
	cmd.AddCommand(
		newProfileCreateCmd(opts),
		newProfileListCmd(opts),
		newProfileShowCmd(opts),
		newProfileUpdateCmd(opts),
		newProfileDeleteCmd(opts),
		newProfileUseCmd(opts),
		newProfileCurrentCmd(opts),
		newProfileWatchCmd(opts),
	)
	return cmd
}

func printDone(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", text.FgGreen.Sprint("✓"), fmt.Sprintf(format, args...))
}

func newProfileCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		cfg             profile.Config
		encrypt         bool
		passphraseStdin bool
		use             bool
	)

	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a profile",
		Long: `Create a profile.

With --encrypt the passphrase is read from $CREDWRAP_PASSPHRASE or asked for
interactively; --passphrase-stdin reads it from the first line of stdin.

Examples:
  credwrap profile create work --oauth-url https://auth.example.com/token --client-id cli --encrypt
  echo "$PASS" | credwrap profile create ci --oauth-url ... --client-id ci --passphrase-stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if encrypt || passphraseStdin {
				pass, err := passphraseInput{stdin: cmd.InOrStdin(), fromStdin: passphraseStdin, confirm: true}.read()
				if err != nil {
					return err
				}
				cfg.EncryptionPassphrase = pass
			}

			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				if cfg.TokenStorePath == "" {
					cfg.TokenStorePath = filepath.Join(a.Settings().DataDir, tokensDirName, id+".json")
				}
				p, err := a.Services.Profiles.Create(ctx, id, cfg)
				if err != nil {
					return err
				}
				printDone(cmd, "Created profile %s", p.ID)

				if use {
					if _, err := a.Services.State.SwitchTo(ctx, p.ID); err != nil {
						return err
					}
					printDone(cmd, "Switched to profile %s", p.ID)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.OAuthURL, "oauth-url", "", "Token endpoint URL (required)")
	f.StringVar(&cfg.ClientID, "client-id", "", "OAuth client id (required)")
	f.StringVar(&cfg.ClientSecret, "client-secret", "", "OAuth client secret")
	f.StringSliceVar(&cfg.Scopes, "scope", nil, "Scope to request; repeat or comma-separate")
	f.StringVar(&cfg.TokenStorePath, "token-path", "", "Token file (default <data-dir>/tokens/<id>.json)")
	f.BoolVar(&encrypt, "encrypt", false, "Encrypt the token file with a passphrase")
	f.BoolVar(&passphraseStdin, "passphrase-stdin", false, "Read the passphrase from stdin (implies --encrypt)")
	f.BoolVar(&use, "use", false, "Make the new profile the current one")
	_ = cmd.MarkFlagRequired("oauth-url")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func newProfileListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				ps, err := a.Services.Profiles.List(ctx)
				if err != nil {
					return err
				}
				st, err := a.Services.State.Current(ctx)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).FormatProfiles(formatting.NewProfileViews(ps, st.Current()))
			})
		},
	}
}

func newProfileShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a profile (the current one by default)",
		Long: `Show a profile. The client secret and passphrase are never printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, err := a.ResolveProfile(ctx, argOrEmpty(args))
				if err != nil {
					return err
				}
				st, err := a.Services.State.Current(ctx)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).FormatProfile(formatting.NewProfileView(p, st.Current()))
			})
		},
	}
}

func newProfileUpdateCmd(opts *rootOptions) *cobra.Command {
	var (
		oauthURL        string
		clientID        string
		clientSecret    string
		scopes          []string
		tokenPath       string
		encrypt         bool
		passphraseStdin bool
		noEncrypt       bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update fields of a profile",
		Long: `Update fields of a profile. Only the flags given are changed.

Changing the passphrase with --encrypt or --passphrase-stdin re-encrypts the
stored token under the new passphrase; --no-encrypt stores it in plain text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var u profile.Update
			changed := false
			if f.Changed("oauth-url") {
				u.OAuthURL, changed = &oauthURL, true
			}
			if f.Changed("client-id") {
				u.ClientID, changed = &clientID, true
			}
			if f.Changed("client-secret") {
				u.ClientSecret, changed = &clientSecret, true
			}
			if f.Changed("scope") {
				u.Scopes, changed = scopes, true
				if u.Scopes == nil {
					u.Scopes = []string{}
				}
			}
			if f.Changed("token-path") {
				u.TokenStorePath, changed = &tokenPath, true
			}
			switch {
			case noEncrypt && (encrypt || passphraseStdin):
				return errs.E(errs.KindValidation, "cli.profile", "--no-encrypt cannot be combined with --encrypt or --passphrase-stdin")
			case noEncrypt:
				empty := ""
				u.EncryptionPassphrase, changed = &empty, true
			case encrypt || passphraseStdin:
				pass, err := passphraseInput{stdin: cmd.InOrStdin(), fromStdin: passphraseStdin, confirm: true}.read()
				if err != nil {
					return err
				}
				u.EncryptionPassphrase, changed = &pass, true
			}
			if !changed {
				return errs.E(errs.KindValidation, "cli.profile", "nothing to update; pass at least one flag")
			}

			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, err := a.UpdateProfile(ctx, args[0], u)
				if err != nil {
					return err
				}
				printDone(cmd, "Updated profile %s", p.ID)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&oauthURL, "oauth-url", "", "Token endpoint URL")
	f.StringVar(&clientID, "client-id", "", "OAuth client id")
	f.StringVar(&clientSecret, "client-secret", "", "OAuth client secret; empty removes it")
	f.StringSliceVar(&scopes, "scope", nil, "Scopes to request, replacing the current ones")
	f.StringVar(&tokenPath, "token-path", "", "Token file")
	f.BoolVar(&encrypt, "encrypt", false, "Set a new passphrase, asked for interactively")
	f.BoolVar(&passphraseStdin, "passphrase-stdin", false, "Read the new passphrase from stdin")
	f.BoolVar(&noEncrypt, "no-encrypt", false, "Remove the passphrase and store the token in plain text")

	return cmd
}

func newProfileDeleteCmd(opts *rootOptions) *cobra.Command {
	var keepToken bool

	cmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a profile and its token file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				if err := a.DeleteProfile(ctx, args[0], keepToken); err != nil {
					return err
				}
				printDone(cmd, "Deleted profile %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&keepToken, "keep-token", false, "Leave the token file on disk")
	return cmd
}

func newProfileUseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "use <id>",
		Aliases: []string{"switch"},
		Short:   "Make a profile the current one",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				if _, err := a.Services.State.SwitchTo(ctx, args[0]); err != nil {
					return err
				}
				printDone(cmd, "Switched to profile %s", args[0])
				return nil
			})
		},
	}
}

func newProfileCurrentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Print the id of the current profile",
		Long: `Print the id of the current profile. Exits with status 3 when no
profile is selected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				p, err := a.ResolveProfile(ctx, "")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p.ID)
				return nil
			})
		},
	}
}

func newProfileWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the current profile whenever it changes",
		Long: `Print the current profile whenever any credwrap process switches it.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				w := profile.NewStateWatcher(profile.StateWatcherConfig{
					Path:     a.Services.State.Path(),
					OnChange: func(st profile.State) { printState(cmd, st) },
				})
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()

				st, err := a.Services.State.Current(ctx)
				if err != nil {
					return err
				}
				printState(cmd, st)

				<-ctx.Done()
				return nil
			})
		},
	}
}

func printState(cmd *cobra.Command, st profile.State) {
	id := st.Current()
	if id == "" {
		id = text.FgHiBlack.Sprint("(none)")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "current profile: %s\n", id)
}

func argOrEmpty(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
