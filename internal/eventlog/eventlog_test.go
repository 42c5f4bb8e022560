package eventlog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/m365-mailer/internal/store"
)

func TestLog_CapAndEviction(t *testing.T) {
	l := New(store.NewMemory())

	for i := 1; i <= 51; i++ {
		require.NoError(t, l.Append(StatusSuccess, []string{"a@x.com"}, fmt.Sprintf("subject %d", i), ""))
	}

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, MaxEntries)

	assert.Equal(t, "subject 51", entries[0].Subject, "newest first")
	assert.Equal(t, "subject 2", entries[len(entries)-1].Subject, "first entry evicted")
	for _, e := range entries {
		assert.NotEqual(t, "subject 1", e.Subject)
	}
}

func TestLog_EntryFields(t *testing.T) {
	l := New(store.NewMemory())

	l.Fail([]string{"a@x.com", "b@x.com"}, "Hello", "boom")
	l.Success([]string{"-"}, "Authentication successful")

	entries, err := l.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, StatusSuccess, entries[0].Status)
	assert.Equal(t, "-", entries[0].Recipients)
	assert.Empty(t, entries[0].Error)

	assert.Equal(t, StatusFail, entries[1].Status)
	assert.Equal(t, "a@x.com, b@x.com", entries[1].Recipients)
	assert.Equal(t, "Hello", entries[1].Subject)
	assert.Equal(t, "boom", entries[1].Error)
	assert.NotEmpty(t, entries[1].ID)
	assert.False(t, entries[1].Time.IsZero())

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, "Authentication successful", last.Subject)
}

func TestLog_UnknownStatusIsFail(t *testing.T) {
	l := New(store.NewMemory())

	require.NoError(t, l.Append(Status("weird"), nil, "s", ""))

	last, ok := l.Last()
	require.True(t, ok)
	assert.Equal(t, StatusFail, last.Status)
}

func TestLog_Clear(t *testing.T) {
	l := New(store.NewMemory())
	l.Success([]string{"a@x.com"}, "one")

	require.NoError(t, l.Clear())

	entries, err := l.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok := l.Last()
	assert.False(t, ok)
}
