// Package stdout implements a dry-run Provider that prints mail instead of
// delivering it.
package stdout

import (
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
)

const separator = "========================================\n"

// Provider renders each request as it would be delivered and writes a
// human-readable summary to its writer.
type Provider struct {
	writer io.Writer
	creds  provider.CredentialSource
	events *eventlog.Log
	text   *bluemonday.Policy
}

// New creates a Provider that writes to os.Stdout.
func New(creds provider.CredentialSource, events *eventlog.Log) *Provider {
	return NewWithWriter(os.Stdout, creds, events)
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer, creds provider.CredentialSource, events *eventlog.Log) *Provider {
	return &Provider{
		writer: w,
		creds:  creds,
		events: events,
		text:   bluemonday.StrictPolicy(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Send prints the translated message. It fails only when the output cannot
// be written.
func (p *Provider) Send(_ context.Context, req *mail.Request) error {
	msg := mail.Translate(req)

	sender := provider.ResolveSender(p.creds, req)
	if sender == "" {
		sender = "(not configured)"
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", sender)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	writeList(&b, "Reply-To", msg.ReplyTo)
	writeList(&b, "Cc", msg.Cc)
	writeList(&b, "Bcc", msg.Bcc)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(p.plainText(msg.HTMLBody) + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s, %s)", att.Name, att.ContentType, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		perr := provider.NewError(provider.ErrTransport, fmt.Sprintf("failed to write output: %v", err))
		p.events.Fail(req.To, req.Subject, perr.Message)
		return perr
	}

	p.events.Success(req.To, req.Subject)
	return nil
}

// plainText strips markup from an HTML body for display.
func (p *Provider) plainText(body string) string {
	return strings.TrimSpace(html.UnescapeString(p.text.Sanitize(body)))
}

func writeList(b *strings.Builder, name string, values []string) {
	if len(values) > 0 {
		fmt.Fprintf(b, "%s: %s\n", name, strings.Join(values, ", "))
	}
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
