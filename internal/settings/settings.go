// Package settings persists the Microsoft 365 credentials and the admin
// state flags.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/m365-mailer/internal/store"
)

const (
	credentialsKey = "credentials"
	flagsKey       = "flags"
)

// Credentials identify the app registration and the mailbox it sends as.
type Credentials struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	FromEmail    string `json:"from_email"`
}

// Complete reports whether all four fields are set.
func (c Credentials) Complete() bool {
	return len(c.Missing()) == 0
}

// Missing lists the names of empty fields.
func (c Credentials) Missing() []string {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if c.FromEmail == "" {
		missing = append(missing, "from_email")
	}
	return missing
}

// Merge returns the credentials to persist when next replaces old.
// An empty client secret never overwrites a stored one.
func Merge(old, next Credentials) Credentials {
	if next.ClientSecret == "" {
		next.ClientSecret = old.ClientSecret
	}
	return next
}

// Flags records the outcome of the administrative checks.
type Flags struct {
	Authenticated   bool `json:"authenticated"`
	SenderValidated bool `json:"sender_validated"`
	ConsentGranted  bool `json:"consent_granted"`
}

// Invalidator is notified when credentials change. The token cache implements it.
type Invalidator interface {
	Clear() error
}

// Store reads and writes Credentials and Flags.
type Store struct {
	kv     store.KV
	tokens Invalidator
	mu     sync.Mutex
}

// New creates a Store. tokens may be nil.
func New(kv store.KV, tokens Invalidator) *Store {
	return &Store{kv: kv, tokens: tokens}
}

// Credentials returns the stored credentials, or zero values if none are saved.
func (s *Store) Credentials() (Credentials, error) {
	var c Credentials
	if err := s.load(credentialsKey, &c); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// SaveCredentials merges next onto the stored credentials, persists the
// result, and clears the cached token if any field changed.
func (s *Store) SaveCredentials(next Credentials) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.Credentials()
	if err != nil {
		return Credentials{}, err
	}

	merged := Merge(old, next)
	if merged == old {
		return merged, nil
	}

	if err := s.save(credentialsKey, merged); err != nil {
		return Credentials{}, err
	}

	if s.tokens != nil {
		if err := s.tokens.Clear(); err != nil {
			return merged, fmt.Errorf("failed to clear cached token: %w", err)
		}
	}

	slog.Info("credentials updated",
		"tenant_id", merged.TenantID,
		"client_id", merged.ClientID,
		"from_email", merged.FromEmail,
	)
	return merged, nil
}

// SetFromEmail updates only the sender address.
func (s *Store) SetFromEmail(addr string) error {
	c, err := s.Credentials()
	if err != nil {
		return err
	}
	c.FromEmail = addr
	_, err = s.SaveCredentials(c)
	return err
}

// Flags returns the stored flags.
func (s *Store) Flags() (Flags, error) {
	var f Flags
	if err := s.load(flagsKey, &f); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// UpdateFlags applies fn to the stored flags and persists them.
func (s *Store) UpdateFlags(fn func(*Flags)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.Flags()
	if err != nil {
		return err
	}
	fn(&f)
	return s.save(flagsKey, f)
}

func (s *Store) load(key string, v any) error {
	data, err := s.kv.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) save(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.kv.Set(key, data, 0); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
