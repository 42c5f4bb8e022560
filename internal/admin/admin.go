// Package admin implements the operator actions: saving and verifying the
// Microsoft 365 credentials, validating the sender mailbox, sending a test
// message, and reading or clearing the event log.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"strings"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/settings"
	"github.com/shineum/m365-mailer/internal/tokencache"
)

const (
	validationSubject = "Sender validation"
	validationBody    = "<p>Sender validation successful.</p>"

	TestSubject = "Microsoft 365 Mailer - Test Email"
	testBody    = "<p>✅ This is a test email sent successfully using Microsoft 365 Mailer.</p>"
)

var (
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrSenderNotConfigured = errors.New("sender email is not configured or validated")
	ErrAuthUnsupported     = errors.New("the active provider does not authenticate with Microsoft 365")
)

// Authenticator is implemented by providers that can verify credentials
// without sending mail.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

// CredentialsInput is what an operator submits. A blank ClientSecret keeps
// the stored one.
type CredentialsInput struct {
	TenantID     string `json:"tenant_id" form:"tenant_id"`
	ClientID     string `json:"client_id" form:"client_id"`
	ClientSecret string `json:"client_secret" form:"client_secret"`
}

// Status summarizes the configuration for display. The client secret is
// reported only as present or absent.
type Status struct {
	Provider        string          `json:"provider"`
	TenantID        string          `json:"tenant_id"`
	ClientID        string          `json:"client_id"`
	ClientSecretSet bool            `json:"client_secret_set"`
	FromEmail       string          `json:"from_email"`
	Missing         []string        `json:"missing,omitempty"`
	Authenticated   bool            `json:"authenticated"`
	SenderValidated bool            `json:"sender_validated"`
	ConsentGranted  bool            `json:"consent_granted"`
	TokenCached     bool            `json:"token_cached"`
	LastEvent       *eventlog.Entry `json:"last_event,omitempty"`
}

// Service performs admin actions against the shared state.
type Service struct {
	settings *settings.Store
	tokens   *tokencache.Cache
	events   *eventlog.Log
	provider provider.Provider
}

// New creates a Service. p is the provider used for validation and test sends.
func New(st *settings.Store, tokens *tokencache.Cache, events *eventlog.Log, p provider.Provider) *Service {
	return &Service{settings: st, tokens: tokens, events: events, provider: p}
}

// SaveAndAuthenticate stores the submitted credentials and checks that they
// yield an access token. The stored from-address is kept.
func (s *Service) SaveAndAuthenticate(ctx context.Context, in CredentialsInput) error {
	auth, ok := s.provider.(Authenticator)
	if !ok {
		return ErrAuthUnsupported
	}

	current, err := s.settings.Credentials()
	if err != nil {
		return err
	}
	if _, err := s.settings.SaveCredentials(settings.Credentials{
		TenantID:     strings.TrimSpace(in.TenantID),
		ClientID:     strings.TrimSpace(in.ClientID),
		ClientSecret: strings.TrimSpace(in.ClientSecret),
		FromEmail:    current.FromEmail,
	}); err != nil {
		return err
	}
	if err := s.tokens.Clear(); err != nil {
		return fmt.Errorf("failed to clear cached token: %w", err)
	}

	if err := auth.Authenticate(ctx); err != nil {
		if ferr := s.settings.UpdateFlags(func(f *settings.Flags) {
			f.Authenticated = false
			f.SenderValidated = false
		}); ferr != nil {
			slog.Warn("failed to update admin flags", "error", ferr)
		}
		return err
	}

	if err := s.settings.UpdateFlags(func(f *settings.Flags) { f.Authenticated = true }); err != nil {
		return err
	}
	s.events.Success([]string{"-"}, "Authentication successful")
	return nil
}

// ValidateSender sends a message from addr to itself. On success addr
// becomes the stored from-address.
func (s *Service) ValidateSender(ctx context.Context, addr string) error {
	sender, err := parseAddress(addr)
	if err != nil {
		return err
	}

	err = s.provider.Send(ctx, &mail.Request{
		To:      []string{sender},
		Subject: validationSubject,
		Body:    validationBody,
		Sender:  sender,
	})
	if err != nil {
		if ferr := s.settings.UpdateFlags(func(f *settings.Flags) { f.SenderValidated = false }); ferr != nil {
			slog.Warn("failed to update admin flags", "error", ferr)
		}
		return err
	}

	if err := s.settings.SetFromEmail(sender); err != nil {
		return err
	}
	if err := s.settings.UpdateFlags(func(f *settings.Flags) { f.SenderValidated = true }); err != nil {
		return err
	}
	s.events.Success([]string{sender}, "Sender validated")
	return nil
}

// SendTestEmail sends the canned test message to addr from the stored sender.
func (s *Service) SendTestEmail(ctx context.Context, addr string) error {
	to, err := parseAddress(addr)
	if err != nil {
		return err
	}

	creds, err := s.settings.Credentials()
	if err != nil {
		return err
	}
	if creds.FromEmail == "" {
		return ErrSenderNotConfigured
	}

	return s.provider.Send(ctx, &mail.Request{
		To:      []string{to},
		Subject: TestSubject,
		Body:    testBody,
	})
}

// GrantConsent records that a tenant admin granted consent to the app.
func (s *Service) GrantConsent() error {
	if err := s.settings.UpdateFlags(func(f *settings.Flags) { f.ConsentGranted = true }); err != nil {
		return err
	}
	s.events.Success([]string{"-"}, "Microsoft Graph admin consent granted")
	return nil
}

// Logs returns the event log, newest first.
func (s *Service) Logs() ([]eventlog.Entry, error) {
	return s.events.List()
}

// ClearLogs empties the event log.
func (s *Service) ClearLogs() error {
	return s.events.Clear()
}

// Status reports the current configuration and admin flags.
func (s *Service) Status() (Status, error) {
	creds, err := s.settings.Credentials()
	if err != nil {
		return Status{}, err
	}
	flags, err := s.settings.Flags()
	if err != nil {
		return Status{}, err
	}
	_, cached := s.tokens.Get()

	st := Status{
		Provider:        s.provider.Name(),
		TenantID:        creds.TenantID,
		ClientID:        creds.ClientID,
		ClientSecretSet: creds.ClientSecret != "",
		FromEmail:       creds.FromEmail,
		Missing:         creds.Missing(),
		Authenticated:   flags.Authenticated,
		SenderValidated: flags.SenderValidated,
		ConsentGranted:  flags.ConsentGranted,
		TokenCached:     cached,
	}
	if last, ok := s.events.Last(); ok {
		st.LastEvent = &last
	}
	return st, nil
}

// parseAddress accepts a single address, with or without a display name,
// and returns the bare address.
func parseAddress(s string) (string, error) {
	a, err := netmail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, s)
	}
	return a.Address, nil
}
