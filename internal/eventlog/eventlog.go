// Package eventlog records the most recent mail delivery attempts.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/m365-mailer/internal/store"
)

// MaxEntries is the number of attempts kept; older ones are dropped first.
const MaxEntries = 50

const key = "mail_logs"

// Status is the outcome of one attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// Entry is one recorded attempt.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Status     Status    `json:"status"`
	Recipients string    `json:"to"`
	Subject    string    `json:"subject"`
	Error      string    `json:"error,omitempty"`
}

// Log is a bounded FIFO of entries persisted in a store.KV, oldest first.
type Log struct {
	kv  store.KV
	now func() time.Time
	mu  sync.Mutex
}

// New creates a Log backed by kv.
func New(kv store.KV) *Log {
	return &Log{kv: kv, now: time.Now}
}

// Append records an attempt and drops the oldest entries beyond MaxEntries.
func (l *Log) Append(status Status, recipients []string, subject, errText string) error {
	if status != StatusSuccess {
		status = StatusFail
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil {
		return err
	}

	entries = append(entries, Entry{
		ID:         uuid.NewString(),
		Time:       l.now(),
		Status:     status,
		Recipients: JoinRecipients(recipients),
		Subject:    subject,
		Error:      errText,
	})
	if len(entries) > MaxEntries {
		entries = entries[len(entries)-MaxEntries:]
	}

	return l.save(entries)
}

// Success records a successful attempt. Persistence failures are logged, not returned.
func (l *Log) Success(recipients []string, subject string) {
	if err := l.Append(StatusSuccess, recipients, subject, ""); err != nil {
		slog.Warn("failed to record mail event", "status", StatusSuccess, "error", err)
	}
}

// Fail records a failed attempt. Persistence failures are logged, not returned.
func (l *Log) Fail(recipients []string, subject, errText string) {
	if err := l.Append(StatusFail, recipients, subject, errText); err != nil {
		slog.Warn("failed to record mail event", "status", StatusFail, "error", err)
	}
}

// List returns the entries newest first.
func (l *Log) List() ([]Entry, error) {
	l.mu.Lock()
	entries, err := l.load()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[len(entries)-1-i] = e
	}
	return out, nil
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load()
	if err != nil || len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

// Clear removes all entries.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kv.Delete(key)
}

// JoinRecipients renders a recipient list the way entries store it.
func JoinRecipients(recipients []string) string {
	return strings.Join(recipients, ", ")
}

func (l *Log) load() ([]Entry, error) {
	data, err := l.kv.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mail log: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt log is discarded rather than blocking every send.
		slog.Warn("discarding unreadable mail log", "error", err)
		return nil, nil
	}
	return entries, nil
}

func (l *Log) save(entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode mail log: %w", err)
	}
	return l.kv.Set(key, data, 0)
}
