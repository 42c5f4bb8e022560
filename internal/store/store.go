// Package store provides the timed key-value persistence used for settings,
// the cached Graph token, and the mail event log.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or its TTL has passed.
var ErrNotFound = errors.New("store: key not found")

// KV is a small key-value store with optional per-key expiry.
// Expired keys are treated as absent on read; nothing evicts them in the background.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key. A ttl of zero means the key never expires.
	Set(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases any underlying resources.
	Close() error
}

// Option configures a KV implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// entry is the stored envelope for a value and its optional deadline.
type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func newEntry(value []byte, ttl time.Duration, now time.Time) entry {
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}

// expired reports whether the entry is past its deadline. A key is already
// expired at the exact deadline instant.
func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
