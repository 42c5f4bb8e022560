package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/m365-mailer/internal/admin"
	"github.com/shineum/m365-mailer/internal/config"
	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/provider/graph"
	"github.com/shineum/m365-mailer/internal/provider/ses"
	"github.com/shineum/m365-mailer/internal/provider/stdout"
	"github.com/shineum/m365-mailer/internal/settings"
	"github.com/shineum/m365-mailer/internal/store"
	"github.com/shineum/m365-mailer/internal/tokencache"
)

// app is the shared state every command works on. The settings database
// is locked while an app is open, so close it before exiting.
type app struct {
	cfg      *config.Config
	kv       store.KV
	tokens   *tokencache.Cache
	settings *settings.Store
	events   *eventlog.Log
	provider provider.Provider
	admin    *admin.Service
}

// openApp opens the settings database, applies bootstrap credentials from
// cfg, and selects the delivery provider. The stdout provider writes to out.
func openApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	kv, err := store.OpenBolt(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings store %s: %w", cfg.Store.Path, err)
	}

	a := &app{cfg: cfg, kv: kv}
	a.tokens = tokencache.New(kv)
	a.settings = settings.New(kv, a.tokens)
	a.events = eventlog.New(kv)

	if err := a.bootstrapCredentials(); err != nil {
		kv.Close()
		return nil, err
	}

	p, err := a.selectProvider(ctx, out)
	if err != nil {
		kv.Close()
		return nil, err
	}
	a.provider = p
	a.admin = admin.New(a.settings, a.tokens, a.events, p)
	return a, nil
}

// Close releases the settings database.
func (a *app) Close() error {
	return a.kv.Close()
}

// bootstrapCredentials writes the configured Graph credentials to the
// settings store. A configured sender replaces the stored one; otherwise
// the stored sender is kept.
func (a *app) bootstrapCredentials() error {
	if !a.cfg.GraphConfigured() {
		return nil
	}

	next := a.cfg.GraphCredentials()
	if next.FromEmail == "" {
		current, err := a.settings.Credentials()
		if err != nil {
			return err
		}
		next.FromEmail = current.FromEmail
	}

	if _, err := a.settings.SaveCredentials(next); err != nil {
		return fmt.Errorf("failed to store configured credentials: %w", err)
	}
	return nil
}

// selectProvider chooses the email delivery backend based on configuration.
// Graph is the default.
func (a *app) selectProvider(ctx context.Context, out io.Writer) (provider.Provider, error) {
	switch a.cfg.Provider {
	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", a.cfg.SES.Region)
		p, err := ses.New(ctx, ses.Config{
			Region:          a.cfg.SES.Region,
			AccessKeyID:     a.cfg.SES.AccessKeyID,
			SecretAccessKey: a.cfg.SES.SecretAccessKey,
		}, a.settings, a.events)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out, a.settings, a.events), nil

	default:
		slog.Info("using Microsoft Graph provider")
		return graph.New(graph.Config{
			Credentials:  a.settings,
			Tokens:       a.tokens,
			Events:       a.events,
			AuthorityURL: a.cfg.Graph.AuthorityURL,
			GraphURL:     a.cfg.Graph.APIURL,
		}), nil
	}
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, opts *options, out io.Writer, fn func(*app) error) error {
	a, err := openApp(ctx, opts.cfg, out)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("failed to close settings store", "error", err)
		}
	}()
	return fn(a)
}
