package smtp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/parser"
)

// buildRequest converts a received message into a mail.Request. Attachments
// are written to a fresh directory under spoolRoot and passed by path; the
// returned cleanup removes it.
func buildRequest(msg *parser.Message, rcptTo []string, spoolRoot string) (*mail.Request, func(), error) {
	body := msg.HTMLBody
	if body == "" {
		body = msg.TextBody
	}
	req := &mail.Request{
		To:      msg.To,
		Subject: msg.Subject,
		Body:    strings.TrimRight(body, "\r\n"),
	}
	if len(req.To) == 0 {
		req.To = rcptTo
	}

	for _, addr := range msg.ReplyTo {
		req.Headers = append(req.Headers, "Reply-To: "+addr)
	}
	for _, addr := range msg.Cc {
		req.Headers = append(req.Headers, "Cc: "+addr)
	}
	for _, addr := range hiddenRecipients(req.To, msg.Cc, msg.Bcc, rcptTo) {
		req.Headers = append(req.Headers, "Bcc: "+addr)
	}

	cleanup := func() {}
	if len(msg.Parts) == 0 {
		return req, cleanup, nil
	}

	dir, err := os.MkdirTemp(spoolRoot, "m365-mailer-")
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create spool directory: %w", err)
	}
	cleanup = func() { os.RemoveAll(dir) }

	for i, part := range msg.Parts {
		path := filepath.Join(dir, fmt.Sprintf("%02d", i), spoolName(part.Filename))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to spool attachment: %w", err)
		}
		if err := os.WriteFile(path, part.Content, 0o600); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to spool attachment: %w", err)
		}
		req.Attachments = append(req.Attachments, path)
	}

	return req, cleanup, nil
}

// hiddenRecipients returns the Bcc header addresses plus envelope recipients
// that appear in neither To nor Cc, without duplicates.
func hiddenRecipients(to, cc, bcc, rcptTo []string) []string {
	seen := make(map[string]bool)
	for _, addr := range to {
		seen[strings.ToLower(addr)] = true
	}
	for _, addr := range cc {
		seen[strings.ToLower(addr)] = true
	}

	var out []string
	for _, list := range [][]string{bcc, rcptTo} {
		for _, addr := range list {
			key := strings.ToLower(addr)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr)
		}
	}
	return out
}

// spoolName keeps the base name of a client-supplied filename so the
// attachment name survives while the path stays inside the spool directory.
func spoolName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "attachment"
	}
	return name
}
