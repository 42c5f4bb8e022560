package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/tokencache"
)

const (
	// DefaultAuthorityURL is the Microsoft identity platform root.
	DefaultAuthorityURL = "https://login.microsoftonline.com"

	// DefaultGraphURL is the Graph API version root.
	DefaultGraphURL = "https://graph.microsoft.com/v1.0"

	// requestTimeout bounds each outbound call (token exchange, sendMail).
	requestTimeout = 20 * time.Second

	permissionHint = " - Mail.Send (Application) permission is missing or admin consent was not granted."
)

// Config holds the collaborators of a Mailer.
type Config struct {
	Credentials provider.CredentialSource
	Tokens      *tokencache.Cache
	Events      *eventlog.Log

	// Optional. Defaults are used when empty.
	HTTPClient   *http.Client
	AuthorityURL string
	GraphURL     string
}

// Mailer sends mail through the Graph sendMail endpoint using an app-only
// token from the client credentials grant. It never retries.
type Mailer struct {
	creds      provider.CredentialSource
	events     *eventlog.Log
	graphURL   string
	httpClient *http.Client
	tokens     *TokenProvider
}

// New creates a Mailer.
func New(cfg Config) *Mailer {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	authority := cfg.AuthorityURL
	if authority == "" {
		authority = DefaultAuthorityURL
	}
	graphURL := cfg.GraphURL
	if graphURL == "" {
		graphURL = DefaultGraphURL
	}

	return &Mailer{
		creds:      cfg.Credentials,
		events:     cfg.Events,
		graphURL:   strings.TrimRight(graphURL, "/"),
		httpClient: client,
		tokens:     newTokenProvider(cfg.Credentials, cfg.Tokens, cfg.Events, client, authority),
	}
}

// Name returns the provider name.
func (m *Mailer) Name() string {
	return "msgraph"
}

// Tokens exposes the token provider used by this Mailer.
func (m *Mailer) Tokens() *TokenProvider {
	return m.tokens
}

// Authenticate checks that the stored credentials can obtain a token.
func (m *Mailer) Authenticate(ctx context.Context) error {
	return m.tokens.Authenticate(ctx)
}

// Send delivers req and records exactly one event log entry for the attempt.
func (m *Mailer) Send(ctx context.Context, req *mail.Request) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		return m.fail(req, &provider.Error{
			Kind:    kindOf(err, provider.ErrAuth),
			Message: "Access token unavailable: " + provider.Message(err),
		})
	}

	sender := provider.ResolveSender(m.creds, req)
	if sender == "" {
		return m.fail(req, provider.NewError(provider.ErrSenderUnset, "Sender email not configured"))
	}

	body, err := json.Marshal(buildSendMailRequest(mail.Translate(req)))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", m.graphURL, url.PathEscape(sender))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return m.fail(req, provider.NewError(provider.ErrTransport, err.Error()))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return m.fail(req, provider.NewError(provider.ErrTransport, err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		msg := graphErrorMessage(raw)
		if strings.Contains(msg, "Authorization_RequestDenied") || strings.Contains(msg, "Insufficient privileges") {
			msg += permissionHint
		}
		return m.fail(req, &provider.Error{
			Kind:       provider.ErrRejected,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg),
		})
	}

	m.events.Success(req.To, req.Subject)
	slog.Debug("mail accepted by Microsoft Graph",
		"sender", sender,
		"recipients", len(req.To),
	)
	return nil
}

func (m *Mailer) fail(req *mail.Request, err *provider.Error) error {
	m.events.Fail(req.To, req.Subject, err.Message)
	slog.Warn("Graph delivery failed", "kind", err.Kind, "error", err.Message)
	return err
}

func kindOf(err error, fallback error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return fallback
}
