package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shineum/m365-mailer/internal/eventlog"
	"github.com/shineum/m365-mailer/internal/mail"
	"github.com/shineum/m365-mailer/internal/provider"
	"github.com/shineum/m365-mailer/internal/settings"
	"github.com/shineum/m365-mailer/internal/store"
	"github.com/shineum/m365-mailer/internal/tokencache"
)

func TestBuildSendMailRequest_BasicMessage(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&mail.Message{
		To:       []string{"alice@example.com", "bob@example.com"},
		Subject:  "Test Subject",
		HTMLBody: "<p>Hello</p>",
	})

	if !req.SaveToSentItems {
		t.Error("SaveToSentItems: got false, want true")
	}
	if req.Message.Body.ContentType != "HTML" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "HTML")
	}
	if req.Message.Body.Content != "<p>Hello</p>" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "<p>Hello</p>")
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[1].EmailAddress.Address; got != "bob@example.com" {
		t.Errorf("ToRecipients[1]: got %q, want %q", got, "bob@example.com")
	}
}

func TestBuildSendMailRequest_OmitsEmptyLists(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(buildSendMailRequest(&mail.Message{
		To:      []string{"alice@example.com"},
		Subject: "No extras",
	}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"replyTo", "ccRecipients", "bccRecipients", "attachments"} {
		if _, ok := raw["message"][key]; ok {
			t.Errorf("message.%s present, want omitted", key)
		}
	}
	if _, ok := raw["message"]["toRecipients"]; !ok {
		t.Error("message.toRecipients missing")
	}
}

func TestBuildSendMailRequest_HeadersAndAttachments(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&mail.Message{
		To:      []string{"alice@example.com"},
		ReplyTo: []string{"reply@example.com"},
		Cc:      []string{"carol@example.com", "dave@example.com"},
		Bcc:     []string{"eve@example.com"},
		Attachments: []mail.Attachment{
			{Name: "report.pdf", ContentType: "application/pdf", Content: []byte("pdf-content")},
		},
	})

	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Address != "reply@example.com" {
		t.Errorf("ReplyTo: got %+v", req.Message.ReplyTo)
	}
	if len(req.Message.CcRecipients) != 2 {
		t.Errorf("CcRecipients count: got %d, want 2", len(req.Message.CcRecipients))
	}
	if len(req.Message.BccRecipients) != 1 {
		t.Errorf("BccRecipients count: got %d, want 1", len(req.Message.BccRecipients))
	}
	if len(req.Message.Attachments) != 1 {
		t.Fatalf("Attachments count: got %d, want 1", len(req.Message.Attachments))
	}

	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q, want %q", att.ODataType, "#microsoft.graph.fileAttachment")
	}
	if att.ContentBytes != "cGRmLWNvbnRlbnQ=" {
		t.Errorf("ContentBytes: got %q, want %q", att.ContentBytes, "cGRmLWNvbnRlbnQ=")
	}
}

func TestMailer_Name(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	if m.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", m.Name(), "msgraph")
	}
}

func TestMailer_SendAccepted(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	var payload sendMailRequest

	f := newFixture(t, tokenOK("tok-1"), func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	err := f.mailer.Send(context.Background(), &mail.Request{
		To:      []string{"alice@example.com", "bob@example.com"},
		Subject: "Hello",
		Body:    "line1\nline2",
		Headers: []string{"Cc: carol@example.com"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/v1.0/users/sender@example.com/sendMail" {
		t.Errorf("path: got %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization: got %q, want %q", gotAuth, "Bearer tok-1")
	}
	if !payload.SaveToSentItems {
		t.Error("saveToSentItems: got false, want true")
	}
	if len(payload.Message.CcRecipients) != 1 {
		t.Errorf("ccRecipients: got %d, want 1", len(payload.Message.CcRecipients))
	}
	if !strings.Contains(payload.Message.Body.Content, "line1<br />") {
		t.Errorf("body: got %q", payload.Message.Body.Content)
	}

	entries := f.entries(t)
	if len(entries) != 1 {
		t.Fatalf("event log entries: got %d, want 1", len(entries))
	}
	if entries[0].Status != eventlog.StatusSuccess {
		t.Errorf("status: got %q, want %q", entries[0].Status, eventlog.StatusSuccess)
	}
	if entries[0].Recipients != "alice@example.com, bob@example.com" {
		t.Errorf("recipients: got %q", entries[0].Recipients)
	}
}

func TestMailer_SenderOverride(t *testing.T) {
	t.Parallel()

	var gotPath string
	f := newFixture(t, tokenOK("tok"), func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	err := f.mailer.Send(context.Background(), &mail.Request{
		To:      []string{"forced@example.com"},
		Subject: "Sender validation",
		Body:    "<p>Sender validation successful.</p>",
		Sender:  "forced@example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1.0/users/forced@example.com/sendMail" {
		t.Errorf("path: got %q", gotPath)
	}
}

func TestMailer_TokenCachedAcrossSends(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokenOK("tok"), accepted)
	req := &mail.Request{To: []string{"a@example.com"}, Subject: "s", Body: "b"}

	for i := 0; i < 2; i++ {
		if err := f.mailer.Send(context.Background(), req); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	f.advance(3539 * time.Second)
	if err := f.mailer.Send(context.Background(), req); err != nil {
		t.Fatalf("send at 3539s: %v", err)
	}
	if got := f.tokenCalls.Load(); got != 1 {
		t.Errorf("token calls before expiry: got %d, want 1", got)
	}

	f.advance(2 * time.Second)
	if err := f.mailer.Send(context.Background(), req); err != nil {
		t.Fatalf("send at 3541s: %v", err)
	}
	if got := f.tokenCalls.Load(); got != 2 {
		t.Errorf("token calls after expiry: got %d, want 2", got)
	}
	if got := f.sendCalls.Load(); got != 4 {
		t.Errorf("send calls: got %d, want 4", got)
	}
}

func TestMailer_TokenTransportError(t *testing.T) {
	t.Parallel()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	kv := store.NewMemory()
	tokens := tokencache.New(kv)
	st := settings.New(kv, tokens)
	events := eventlog.New(kv)
	if _, err := st.SaveCredentials(settings.Credentials{
		TenantID: testTenant, ClientID: "cid", ClientSecret: "secret", FromEmail: "sender@example.com",
	}); err != nil {
		t.Fatalf("failed to save credentials: %v", err)
	}

	m := New(Config{Credentials: st, Tokens: tokens, Events: events, AuthorityURL: deadURL, GraphURL: deadURL})

	err := m.Send(context.Background(), &mail.Request{To: []string{"a@example.com"}, Subject: "Hi"})
	if !errors.Is(err, provider.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}

	entries, err := events.List()
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("event log entries: got %d, want 1", len(entries))
	}
	if entries[0].Status != eventlog.StatusFail {
		t.Errorf("status: got %q, want %q", entries[0].Status, eventlog.StatusFail)
	}
	if !strings.HasPrefix(entries[0].Error, "Access token unavailable: ") {
		t.Errorf("error: got %q", entries[0].Error)
	}
}

func TestMailer_SenderNotConfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t, tokenOK("tok"), accepted)
	if err := f.settings.SetFromEmail(""); err != nil {
		t.Fatalf("failed to clear sender: %v", err)
	}

	err := f.mailer.Send(context.Background(), &mail.Request{To: []string{"a@example.com"}, Subject: "Hi"})
	if !errors.Is(err, provider.ErrSenderUnset) {
		t.Fatalf("got %v, want ErrSenderUnset", err)
	}
	if got := f.sendCalls.Load(); got != 0 {
		t.Errorf("send calls: got %d, want 0", got)
	}

	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Error != "Sender email not configured" {
		t.Errorf("entries: got %+v", entries)
	}
}

func TestMailer_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantPrefix string
		wantHint   bool
	}{
		{
			name:       "insufficient privileges",
			status:     http.StatusForbidden,
			body:       `{"error":{"code":"ErrorAccessDenied","message":"Insufficient privileges to complete the operation."}}`,
			wantPrefix: "HTTP 403: Insufficient privileges to complete the operation.",
			wantHint:   true,
		},
		{
			name:       "authorization request denied",
			status:     http.StatusForbidden,
			body:       `{"error":{"code":"Authorization_RequestDenied","message":"Authorization_RequestDenied"}}`,
			wantPrefix: "HTTP 403: Authorization_RequestDenied",
			wantHint:   true,
		},
		{
			name:       "code fallback",
			status:     http.StatusBadRequest,
			body:       `{"error":{"code":"ErrorInvalidRecipients"}}`,
			wantPrefix: "HTTP 400: ErrorInvalidRecipients",
		},
		{
			name:       "unparseable body",
			status:     http.StatusInternalServerError,
			body:       `upstream failure`,
			wantPrefix: "HTTP 500: Graph rejected request",
		},
		{
			name:       "ok is not accepted",
			status:     http.StatusOK,
			body:       `{}`,
			wantPrefix: "HTTP 200: Graph rejected request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tokenOK("tok"), func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := f.mailer.Send(context.Background(), &mail.Request{To: []string{"a@example.com"}, Subject: "Hi"})
			if !errors.Is(err, provider.ErrRejected) {
				t.Fatalf("got %v, want ErrRejected", err)
			}

			var pe *provider.Error
			if !errors.As(err, &pe) || pe.StatusCode != tt.status {
				t.Errorf("status code: got %+v, want %d", pe, tt.status)
			}

			entries := f.entries(t)
			if len(entries) != 1 {
				t.Fatalf("event log entries: got %d, want 1", len(entries))
			}
			msg := entries[0].Error
			if !strings.HasPrefix(msg, tt.wantPrefix) {
				t.Errorf("error: got %q, want prefix %q", msg, tt.wantPrefix)
			}
			if got := strings.Contains(msg, "Mail.Send (Application) permission"); got != tt.wantHint {
				t.Errorf("hint present: got %v, want %v", got, tt.wantHint)
			}
		})
	}
}
