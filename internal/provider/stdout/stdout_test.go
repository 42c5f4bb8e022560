package stdout

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/settings"
	"github.com/shineum/m365-mailer/internal/store"
)

func newTestProvider(t *testing.T, w *bytes.Buffer, fromEmail string) (*Provider, *eventlog.Log) {
	t.Helper()

	kv := store.NewMemory()
	st := settings.New(kv, nil)
	if fromEmail != "" {
		if err := st.SetFromEmail(fromEmail); err != nil {
			t.Fatalf("failed to set sender: %v", err)
		}
	}
	events := eventlog.New(kv)
	return NewWithWriter(w, st, events), events
}

func TestSend_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, events := newTestProvider(t, &buf, "sender@example.com")

	err := p.Send(context.Background(), &mail.Request{
		To:      []string{"alice@example.com", "bob@example.com"},
		Subject: "Monthly Report",
		Body:    "Please find the report attached.\nThanks & regards",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Subject: Monthly Report",
		"Please find the report attached.\nThanks & regards",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "<div") || strings.Contains(output, "<br") {
		t.Error("output should not contain markup")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}

	last, ok := events.Last()
	if !ok || last.Status != eventlog.StatusSuccess {
		t.Errorf("last event: got %+v", last)
	}
}

func TestSend_HeadersAndAttachments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 2048)), 0o600); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}

	var buf bytes.Buffer
	p, _ := newTestProvider(t, &buf, "")

	err := p.Send(context.Background(), &mail.Request{
		To:          []string{"alice@example.com"},
		Subject:     "Notes",
		Body:        "<p>See <b>notes</b></p>",
		Headers:     []string{"Cc: carol@example.com", "Reply-To: reply@example.com"},
		Attachments: []string{path},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: (not configured)",
		"Cc: carol@example.com",
		"Reply-To: reply@example.com",
		"See notes",
		"Attachments: notes.txt (text/plain, 2.0 KB)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q\n%s", want, output)
		}
	}
	if strings.Contains(output, "Bcc:") {
		t.Error("output should not contain Bcc line when there are none")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestSend_WriteFailure(t *testing.T) {
	t.Parallel()

	kv := store.NewMemory()
	events := eventlog.New(kv)
	p := NewWithWriter(failingWriter{}, settings.New(kv, nil), events)

	err := p.Send(context.Background(), &mail.Request{To: []string{"a@example.com"}, Subject: "s"})
	if !errors.Is(err, provider.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	last, ok := events.Last()
	if !ok || last.Status != eventlog.StatusFail {
		t.Errorf("last event: got %+v", last)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New(nil, nil)
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
