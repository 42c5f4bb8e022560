// Package cli implements the m365-mailer command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/m365-mailer/internal/admin"
	"github.com/shineum/m365-mailer/internal/config"
	"github.com/shineum/m365-mailer/internal/provider"
)

// Exit codes reported by Execute.
const (
	exitError     = 1
	exitConfig    = 2
	exitAuth      = 3
	exitRejected  = 4
	exitTransport = 5
)

// version is set by SetVersion before the command tree is built.
var version = "dev"

// SetVersion sets the version string reported by --version.
func SetVersion(v string) {
	version = v
}

// options carries the persistent flags and the configuration they resolve to.
type options struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

// load reads the .env file and the configuration, then sets up logging on w.
func (o *options) load(w io.Writer) error {
	if err := config.LoadEnvFile(o.envFile); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	setupLogger(w, cfg.Logging.Level)
	o.cfg = cfg
	return nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "m365-mailer",
		Short: "Send mail through Microsoft 365 using Microsoft Graph",
		Long: `m365-mailer delivers mail through the Microsoft Graph sendMail API using an
app-only token from the OAuth2 client credentials flow.

It runs as an SMTP relay with an admin API ("serve"), or sends a single
message from the command line ("send"). AWS SES and a stdout printer are
available as alternative providers.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to a .env file read before configuration")

	root.AddCommand(
		newServeCmd(opts),
		newSendCmd(opts),
		newAuthCmd(opts),
		newValidateSenderCmd(opts),
		newTestEmailCmd(opts),
		newLogsCmd(opts),
		newStatusCmd(opts),
		newServiceCmd(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps a command error onto a process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, provider.ErrConfigIncomplete),
		errors.Is(err, provider.ErrSenderUnset),
		errors.Is(err, admin.ErrSenderNotConfigured),
		errors.Is(err, admin.ErrAuthUnsupported):
		return exitConfig
	case errors.Is(err, provider.ErrAuth):
		return exitAuth
	case errors.Is(err, provider.ErrRejected):
		return exitRejected
	case errors.Is(err, provider.ErrTransport):
		return exitTransport
	default:
		return exitError
	}
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(w io.Writer, level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
