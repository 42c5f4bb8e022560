// Package provider defines the interface for mail delivery backends and the
// errors they report.
package provider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/settings"
)

// Provider is the interface that mail delivery backends must implement.
// Each provider resolves the sender, translates the request for its target
// service, and records exactly one event log entry per Send.
type Provider interface {
	// Send delivers a request through this provider. A nil error means the
	// service accepted the message.
	Send(ctx context.Context, req *mail.Request) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// CredentialSource supplies the stored credentials. *settings.Store implements it.
type CredentialSource interface {
	Credentials() (settings.Credentials, error)
}

// ResolveSender returns the request's override sender or the stored
// from-address. It returns "" when neither is set.
func ResolveSender(src CredentialSource, req *mail.Request) string {
	var fromEmail string
	if src != nil {
		creds, err := src.Credentials()
		if err != nil {
			slog.Warn("failed to read credentials", "error", err)
		} else {
			fromEmail = creds.FromEmail
		}
	}
	return req.ResolveSender(fromEmail)
}

// Failure kinds. Use errors.Is against these to classify a Send error.
var (
	ErrConfigIncomplete = errors.New("configuration incomplete")
	ErrTransport        = errors.New("transport failure")
	ErrAuth             = errors.New("authentication failed")
	ErrRejected         = errors.New("rejected by service")
	ErrSenderUnset      = errors.New("sender email not configured")
)

// Error is a classified delivery failure. Message is the human-readable
// text also written to the event log.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// NewError returns an *Error of the given kind.
func NewError(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Message returns the event log text for err.
func Message(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return err.Error()
}
