// Package mail defines the outgoing mail request accepted by every provider
// and translates it into a provider-neutral message.
package mail

import (
	"strings"
)

// Request is a generic "send this email" call.
type Request struct {
	To          []string
	Subject     string
	Body        string
	Headers     []string
	Attachments []string

	// Sender overrides the configured from-address when set.
	Sender string
}

// ResolveSender returns the override sender or fallback.
func (r *Request) ResolveSender(fallback string) string {
	if s := strings.TrimSpace(r.Sender); s != "" {
		return s
	}
	return strings.TrimSpace(fallback)
}

// Message is a Request after header parsing, body formatting, and
// attachment loading.
type Message struct {
	To          []string
	ReplyTo     []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment is a file loaded into memory.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Translate converts r into a Message.
func Translate(r *Request) *Message {
	h := ParseHeaders(r.Headers)
	return &Message{
		To:          r.To,
		ReplyTo:     h.ReplyTo,
		Cc:          h.Cc,
		Bcc:         h.Bcc,
		Subject:     r.Subject,
		HTMLBody:    FormatBody(r.Body),
		Attachments: LoadAttachments(r.Attachments),
	}
}

// SplitRecipients splits a comma-separated address string.
func SplitRecipients(s string) []string {
	return splitList(s)
}

// SplitHeaderLines splits a raw header block into individual lines.
func SplitHeaderLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
