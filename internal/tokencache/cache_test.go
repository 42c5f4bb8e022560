package tokencache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/m365-mailer/internal/store"
)

func TestCache_ExpiryBoundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start
	c := New(store.NewMemory(store.WithClock(func() time.Time { return now })))

	// expires_in=3600 minus the 60s margin
	require.NoError(t, c.Set("tok", 3540*time.Second))

	now = start.Add(3539 * time.Second)
	got, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, "tok", got)

	now = start.Add(3541 * time.Second)
	_, ok = c.Get()
	assert.False(t, ok)
}

func TestCache_SingleSlot(t *testing.T) {
	c := New(store.NewMemory())

	require.NoError(t, c.Set("first", time.Hour))
	require.NoError(t, c.Set("second", time.Hour))

	got, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestCache_Clear(t *testing.T) {
	c := New(store.NewMemory())

	require.NoError(t, c.Set("tok", time.Hour))
	require.NoError(t, c.Clear())

	_, ok := c.Get()
	assert.False(t, ok)
}

func TestCache_NonPositiveTTLNotCached(t *testing.T) {
	c := New(store.NewMemory())

	require.NoError(t, c.Set("tok", 0))
	require.NoError(t, c.Set("tok", -time.Second))

	_, ok := c.Get()
	assert.False(t, ok)
}
