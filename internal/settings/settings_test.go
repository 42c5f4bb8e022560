package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/m365-mailer/internal/store"
)

type countingInvalidator struct {
	clears int
}

func (c *countingInvalidator) Clear() error {
	c.clears++
	return nil
}

func TestMerge(t *testing.T) {
	old := Credentials{TenantID: "t1", ClientID: "c1", ClientSecret: "s1", FromEmail: "a@x.com"}

	tests := []struct {
		name string
		next Credentials
		want Credentials
	}{
		{
			name: "blank secret preserved",
			next: Credentials{TenantID: "t2", ClientID: "c2", FromEmail: "a@x.com"},
			want: Credentials{TenantID: "t2", ClientID: "c2", ClientSecret: "s1", FromEmail: "a@x.com"},
		},
		{
			name: "new secret replaces",
			next: Credentials{TenantID: "t1", ClientID: "c1", ClientSecret: "s2", FromEmail: "a@x.com"},
			want: Credentials{TenantID: "t1", ClientID: "c1", ClientSecret: "s2", FromEmail: "a@x.com"},
		},
		{
			name: "other fields may be cleared",
			next: Credentials{},
			want: Credentials{ClientSecret: "s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(old, tt.next))
		})
	}
}

func TestCredentials_Missing(t *testing.T) {
	c := Credentials{TenantID: "t", ClientSecret: "s"}
	assert.Equal(t, []string{"client_id", "from_email"}, c.Missing())
	assert.False(t, c.Complete())

	c.ClientID = "c"
	c.FromEmail = "f@x.com"
	assert.True(t, c.Complete())
}

func TestStore_SaveCredentialsClearsTokenOnChange(t *testing.T) {
	inv := &countingInvalidator{}
	s := New(store.NewMemory(), inv)

	saved, err := s.SaveCredentials(Credentials{TenantID: "t", ClientID: "c", ClientSecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "s", saved.ClientSecret)
	assert.Equal(t, 1, inv.clears)

	// Same values with a blank secret: nothing changes, token kept.
	_, err = s.SaveCredentials(Credentials{TenantID: "t", ClientID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.clears)

	got, err := s.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "s", got.ClientSecret)

	require.NoError(t, s.SetFromEmail("sender@x.com"))
	assert.Equal(t, 2, inv.clears)

	got, err = s.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "sender@x.com", got.FromEmail)
}

func TestStore_EmptyByDefault(t *testing.T) {
	s := New(store.NewMemory(), nil)

	c, err := s.Credentials()
	require.NoError(t, err)
	assert.Equal(t, Credentials{}, c)

	f, err := s.Flags()
	require.NoError(t, err)
	assert.Equal(t, Flags{}, f)
}

func TestStore_UpdateFlags(t *testing.T) {
	s := New(store.NewMemory(), nil)

	require.NoError(t, s.UpdateFlags(func(f *Flags) {
		f.Authenticated = true
		f.SenderValidated = true
	}))
	require.NoError(t, s.UpdateFlags(func(f *Flags) {
		f.SenderValidated = false
	}))

	f, err := s.Flags()
	require.NoError(t, err)
	assert.Equal(t, Flags{Authenticated: true}, f)
}
