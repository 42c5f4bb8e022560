package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/m365-mailer/internal/config"
	"github.com/shineum/m365-mailer/internal/smtp"
	smtptls "github.com/shineum/m365-mailer/internal/tls"
	"github.com/shineum/m365-mailer/internal/web"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SMTP relay and the admin API",
		Long: `Run the SMTP relay. Every accepted message is delivered through the
configured provider, and failures are returned to the SMTP client.

The admin API starts alongside it when admin.password_hash is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The long-running server logs to stdout like any service.
			setupLogger(cmd.OutOrStdout(), opts.cfg.Logging.Level)

			if !service.Interactive() {
				return runManaged(opts, cmd.OutOrStdout())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, opts.cfg, cmd.OutOrStdout())
		},
	}
}

// serve runs the SMTP server and, when enabled, the admin API until ctx is
// cancelled or either of them fails.
func serve(ctx context.Context, cfg *config.Config, out io.Writer) error {
	a, err := openApp(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer a.Close()

	tlsOpts := smtptls.Options{
		CertFile: cfg.TLS.CertFile,
		KeyFile:  cfg.TLS.KeyFile,
		Hosts:    []string{cfg.SMTP.Hostname},
	}
	tlsConfig, err := smtptls.Load(tlsOpts)
	if err != nil {
		return fmt.Errorf("failed to setup TLS: %w", err)
	}

	smtpServer := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       a.provider,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		SpoolDir:       cfg.SMTP.SpoolDir,
	})

	var adminServer *web.Server
	if cfg.AdminEnabled() {
		// A generated certificate is only offered over STARTTLS; the admin
		// API uses HTTPS when a real certificate is configured.
		var adminTLS *tls.Config
		if !tlsOpts.SelfSigned() {
			adminTLS = tlsConfig
		}
		adminServer, err = web.New(web.Config{
			Listen:       cfg.Admin.Listen,
			Username:     cfg.Admin.Username,
			PasswordHash: cfg.Admin.PasswordHash,
			JWTSecret:    cfg.Admin.JWTSecret,
			TLS:          adminTLS,
		}, a.admin)
		if err != nil {
			return fmt.Errorf("failed to create admin API: %w", err)
		}
	}

	slog.Info("starting m365-mailer",
		"version", version,
		"listen", cfg.SMTP.Listen,
		"provider", a.provider.Name(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsOpts.Mode(),
		"admin_enabled", adminServer != nil,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return smtpServer.ListenAndServe(ctx)
	})
	if adminServer != nil {
		g.Go(func() error {
			return adminServer.Serve(ctx)
		})
	}

	err = g.Wait()
	slog.Info("m365-mailer stopped")
	return err
}
