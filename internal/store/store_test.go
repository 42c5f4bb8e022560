package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// implementations returns every KV implementation wired to the same clock.
func implementations(t *testing.T, clock *fakeClock) map[string]KV {
	t.Helper()

	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "data", "mailer.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]KV{
		"memory": NewMemory(WithClock(clock.Now)),
		"bolt":   bolt,
	}
}

func TestKV_SetGetDelete(t *testing.T) {
	for name, kv := range implementations(t, newClock()) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set("key", []byte("value"), 0))
			got, err := kv.Get("key")
			require.NoError(t, err)
			assert.Equal(t, "value", string(got))

			require.NoError(t, kv.Set("key", []byte("replaced"), 0))
			got, err = kv.Get("key")
			require.NoError(t, err)
			assert.Equal(t, "replaced", string(got))

			require.NoError(t, kv.Delete("key"))
			_, err = kv.Get("key")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.NoError(t, kv.Delete("never-set"))
		})
	}
}

func TestKV_LazyExpiry(t *testing.T) {
	clock := newClock()

	for name, kv := range implementations(t, clock) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Set("ttl", []byte("v"), 10*time.Second))

			clock.Advance(9 * time.Second)
			_, err := kv.Get("ttl")
			assert.NoError(t, err, "value should survive before its deadline")

			clock.Advance(1 * time.Second)
			_, err = kv.Get("ttl")
			assert.ErrorIs(t, err, ErrNotFound, "value should be gone at its deadline")

			clock.Advance(-10 * time.Second)
		})
	}
}

func TestMemory_ReturnsCopies(t *testing.T) {
	kv := NewMemory()

	value := []byte("abc")
	require.NoError(t, kv.Set("k", value, 0))
	value[0] = 'x'

	got, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, err := kv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestBolt_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailer.db")

	kv, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set("credentials", []byte(`{"tenant_id":"t"}`), 0))
	require.NoError(t, kv.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("credentials")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tenant_id":"t"}`, string(got))
}
