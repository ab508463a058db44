package auth

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func newUsers(t *testing.T) *Users {
	users, err := NewUsers([]Account{
		{Name: "alice", PasswordHash: hashFor(t, "wonderland"), Permissions: []Permission{PermDownload}},
		{Name: "root", PasswordHash: hashFor(t, "toor"), Admin: true},
	}, zerolog.Nop())
	require.NoError(t, err)
	return users
}

func TestUsers_Authenticate(t *testing.T) {
	users := newUsers(t)

	user, err := users.Authenticate("alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Name)
	assert.True(t, user.Can(PermDownload))
	assert.False(t, user.Can(PermUpload))

	_, err = users.Authenticate("alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = users.Authenticate("mallory", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "unknown users look like wrong passwords")
}

func TestUsers_AdminHoldsEverything(t *testing.T) {
	users := newUsers(t)
	user, err := users.Authenticate("root", "toor")
	require.NoError(t, err)
	for _, p := range AllPermissions {
		assert.True(t, user.Can(p), "admin lacks %s", p)
	}
	assert.Len(t, user.PermissionStrings(), len(AllPermissions))
}

func TestUsers_Ban(t *testing.T) {
	users := newUsers(t)

	changed, err := users.Ban("alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, users.IsBanned("alice"))

	changed, err = users.Ban("alice")
	require.NoError(t, err)
	assert.False(t, changed, "banning twice is not a change")

	_, err = users.Authenticate("alice", "wonderland")
	assert.ErrorIs(t, err, ErrBanned)

	_, err = users.Ban("nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)

	require.NoError(t, users.Unban("alice"))
	_, err = users.Authenticate("alice", "wonderland")
	assert.NoError(t, err)
}

func TestNewUsers_Validation(t *testing.T) {
	good := hashFor(t, "pw")
	tests := []struct {
		name     string
		accounts []Account
	}{
		{"empty name", []Account{{PasswordHash: good}}},
		{"duplicate", []Account{{Name: "a", PasswordHash: good}, {Name: "a", PasswordHash: good}}},
		{"plain password", []Account{{Name: "a", PasswordHash: "pw"}}},
		{"unknown permission", []Account{{Name: "a", PasswordHash: good, Permissions: []Permission{"fly"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUsers(tt.accounts, zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	users, err := NewUsers([]Account{{Name: "u", PasswordHash: hash}}, zerolog.Nop())
	require.NoError(t, err)
	_, err = users.Authenticate("u", "secret")
	assert.NoError(t, err)
}
