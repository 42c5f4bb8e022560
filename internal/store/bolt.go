package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const settingsBucket = "settings"

// Bolt is a KV persisted in a single bbolt bucket. Values are stored as JSON
// envelopes carrying their expiry.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := buildOptions(opts)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(settingsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize bucket: %w", err)
	}

	return &Bolt{db: db, now: o.now}, nil
}

// Get returns the value for key, or ErrNotFound if missing or expired.
func (b *Bolt) Get(key string) ([]byte, error) {
	var e entry
	found := false

	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(settingsBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}

	if !found || e.expired(b.now()) {
		return nil, ErrNotFound
	}
	return e.Value, nil
}

// Set stores value under key with an optional ttl.
func (b *Bolt) Set(key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(newEntry(value, ttl, b.now()))
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(key), data)
	})
}

// Delete removes key.
func (b *Bolt) Delete(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Delete([]byte(key))
	})
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}
