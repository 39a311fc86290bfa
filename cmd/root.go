package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"credwrap/internal/app"
	"credwrap/internal/config"
	"credwrap/internal/errs"
	"credwrap/internal/formatting"
	"credwrap/pkg/logging"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
// Scripts can branch on these instead of parsing error text.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeInvalidInput indicates invalid arguments, profile data or configuration.
	ExitCodeInvalidInput = 2
	// ExitCodeNotFound indicates a missing profile, token or selection.
	ExitCodeNotFound = 3
	// ExitCodeAuthFailed indicates the token endpoint rejected the credentials.
	ExitCodeAuthFailed = 4
	// ExitCodeUnavailable indicates a transient failure: network errors,
	// rate limiting or an open circuit breaker. Retrying later may succeed.
	ExitCodeUnavailable = 5
	// ExitCodeBusy indicates another process or goroutine held a lock for too long.
	ExitCodeBusy = 6
	// ExitCodeDecryption indicates a token file could not be decrypted.
	ExitCodeDecryption = 7
	// ExitCodeInconsistent indicates on-disk state needs manual attention.
	ExitCodeInconsistent = 8
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dataDir    string
	debug      bool
	quiet      bool
	output     string
}

// rootCmd represents the base command for the credwrap application.
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "credwrap",
		Short: "Manage OAuth credential profiles and keep their tokens fresh",
		Long: `credwrap stores OAuth client profiles and their tokens on disk, encrypts
tokens with a per-profile passphrase, and refreshes them against the
profile's token endpoint with retries, rate limiting and a circuit breaker.

Several credwrap processes may run at once; profile, state and token files
are guarded by cross-process file locks.`,
		// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := formatting.ParseFormat(opts.output); err != nil {
				return errs.Wrap(errs.KindValidation, "cli", err, "invalid --output")
			}
			return nil
		},
	}
	root.SetVersionTemplate(`{{printf "credwrap version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default is $HOME/.config/credwrap/config.yaml)")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory holding profiles, state and the audit log (overrides the config file)")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress log output and progress indicators")
	pf.StringVarP(&opts.output, "output", "o", "table", "Output format (table, json, yaml)")

	root.AddCommand(newProfileCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newAuditCmd(opts))
	root.AddCommand(newVersionCmd())

	return root
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It is called by main.main(). SIGINT and SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	var cfgErr config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return ExitCodeInvalidInput
	}

	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindAlreadyExists, errs.KindCapacity:
		return ExitCodeInvalidInput
	case errs.KindNotFound:
		return ExitCodeNotFound
	case errs.KindAuth:
		return ExitCodeAuthFailed
	case errs.KindNetwork, errs.KindRateLimit, errs.KindCircuitOpen:
		return ExitCodeUnavailable
	case errs.KindMutexTimeout, errs.KindQueueFull, errs.KindLockTimeout:
		return ExitCodeBusy
	case errs.KindDecryption, errs.KindUnsupportedVersion:
		return ExitCodeDecryption
	case errs.KindInconsistent, errs.KindPermission:
		return ExitCodeInconsistent
	}
	return ExitCodeError
}

// run bootstraps the application, calls fn and closes the application so
// queued audit events and metrics are flushed.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	cfg := app.NewConfig(o.debug, o.quiet, o.configPath, o.dataDir)
	cfg.LogOutput = cmd.ErrOrStderr()

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	runErr := fn(cmd.Context(), application)
	if err := application.Close(); err != nil {
		logging.Warn("CLI", "Failed to flush audit log or metrics: %v", err)
	}
	return runErr
}

// formatter returns the formatter selected by --output.
func (o *rootOptions) formatter(cmd *cobra.Command) formatting.Formatter {
	format, _ := formatting.ParseFormat(o.output)
	return formatting.New(formatting.Options{Format: format, Writer: cmd.OutOrStdout()})
}
