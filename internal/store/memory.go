package store

import (
	"sync"
	"time"
)

// Memory is an in-process KV. It backs tests and the stdout dry-run mode.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time
}

// NewMemory creates an empty in-memory KV.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		items: make(map[string]entry),
		now:   o.now,
	}
}

// Get returns the value for key, or ErrNotFound if missing or expired.
func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || e.expired(m.now()) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, nil
}

// Set stores a copy of value under key.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = newEntry(v, ttl, m.now())
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
