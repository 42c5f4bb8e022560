package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/tokencache"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// tokenExpiryMargin is subtracted from the server-reported lifetime so a
	// cached token is never presented in its final minute.
	tokenExpiryMargin = 60 * time.Second
)

// TokenProvider acquires Graph access tokens with the client credentials
// grant and keeps the current one in a tokencache.Cache.
type TokenProvider struct {
	creds        provider.CredentialSource
	cache        *tokencache.Cache
	events       *eventlog.Log
	httpClient   *http.Client
	authorityURL string
	now          func() time.Time
	group        singleflight.Group
}

func newTokenProvider(creds provider.CredentialSource, cache *tokencache.Cache, events *eventlog.Log, httpClient *http.Client, authorityURL string) *TokenProvider {
	return &TokenProvider{
		creds:        creds,
		cache:        cache,
		events:       events,
		httpClient:   httpClient,
		authorityURL: strings.TrimRight(authorityURL, "/"),
		now:          time.Now,
	}
}

// Token returns a cached token, or exchanges the stored credentials for a
// new one. Concurrent callers share a single exchange.
// Token does not write the event log.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cache.Get(); ok {
		return tok, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		if tok, ok := p.cache.Get(); ok {
			return tok, nil
		}
		return p.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Authenticate acquires a token and records a failed attempt in the event log.
func (p *TokenProvider) Authenticate(ctx context.Context) error {
	if _, err := p.Token(ctx); err != nil {
		p.events.Fail([]string{"-"}, "Authentication failed", provider.Message(err))
		return err
	}
	return nil
}

func (p *TokenProvider) fetch(ctx context.Context) (string, error) {
	creds, err := p.creds.Credentials()
	if err != nil {
		return "", &provider.Error{
			Kind:    provider.ErrConfigIncomplete,
			Message: fmt.Sprintf("failed to read credentials: %v", err),
		}
	}
	if creds.TenantID == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return "", provider.NewError(provider.ErrConfigIncomplete, "Microsoft 365 credentials are incomplete")
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", p.authorityURL, url.PathEscape(creds.TenantID)),
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", classifyTokenError(err)
	}

	ttl := tokenLifetime(tok, p.now()) - tokenExpiryMargin
	if err := p.cache.Set(tok.AccessToken, ttl); err != nil {
		slog.Warn("failed to cache access token", "error", err)
	}

	slog.Debug("acquired Graph access token", "tenant_id", creds.TenantID, "ttl", ttl)
	return tok.AccessToken, nil
}

// classifyTokenError maps an oauth2 exchange error onto the provider kinds.
func classifyTokenError(err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		msg := rErr.ErrorDescription
		if msg == "" {
			msg = rErr.ErrorCode
		}
		if msg == "" {
			msg = "Invalid token response"
		}
		pe := provider.NewError(provider.ErrAuth, msg)
		if rErr.Response != nil {
			pe.StatusCode = rErr.Response.StatusCode
		}
		return pe
	}

	var uErr *url.Error
	if errors.As(err, &uErr) {
		return provider.NewError(provider.ErrTransport, uErr.Error())
	}

	slog.Debug("unexpected token response", "error", err)
	return provider.NewError(provider.ErrAuth, "Invalid token response")
}

// tokenLifetime reads expires_in from the token response, falling back to
// the computed expiry.
func tokenLifetime(tok *oauth2.Token, now time.Time) time.Duration {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return time.Duration(v) * time.Second
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}
	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now)
	}
	return 0
}
