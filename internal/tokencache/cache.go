// Package tokencache holds the single cached Graph bearer token.
package tokencache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/shineum/m365-mailer/internal/store"
)

// key is the only slot used; one credential set is supported at a time.
const key = "graph_token"

// Cache stores one bearer token with a TTL in a store.KV.
type Cache struct {
	kv store.KV
}

// New creates a Cache backed by kv.
func New(kv store.KV) *Cache {
	return &Cache{kv: kv}
}

// Get returns the cached token if one is present and unexpired.
func (c *Cache) Get() (string, bool) {
	v, err := c.kv.Get(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("failed to read cached token", "error", err)
		}
		return "", false
	}
	if len(v) == 0 {
		return "", false
	}
	return string(v), true
}

// Set stores token, replacing any previous one. A non-positive ttl is ignored
// so that an already-expired token is never cached.
func (c *Cache) Set(token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.kv.Set(key, []byte(token), ttl)
}

// Clear drops the cached token.
func (c *Cache) Clear() error {
	return c.kv.Delete(key)
}
