package auth

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Account is the configured form of a user.
type Account struct {
	Name         string
	PasswordHash string // bcrypt
	Admin        bool
	Permissions  []Permission
}

type account struct {
	user   User
	hash   []byte
	banned bool
}

// Users is the in-memory user database. Bans last until restart.
type Users struct {
	mu       sync.RWMutex
	accounts map[string]*account
	logger   zerolog.Logger
}

var _ Authenticator = (*Users)(nil)

// dummyHash keeps unknown usernames as slow as wrong passwords.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("courier-dummy-password"), bcrypt.MinCost)

// NewUsers validates accounts and builds the database.
func NewUsers(accounts []Account, logger zerolog.Logger) (*Users, error) {
	u := &Users{
		accounts: make(map[string]*account, len(accounts)),
		logger:   logger,
	}
	for _, a := range accounts {
		if a.Name == "" {
			return nil, fmt.Errorf("user with empty name")
		}
		if _, exists := u.accounts[a.Name]; exists {
			return nil, fmt.Errorf("duplicate user %q", a.Name)
		}
		if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password_hash is not a bcrypt hash: %w", a.Name, err)
		}
		for _, p := range a.Permissions {
			if !ValidPermission(p) {
				return nil, fmt.Errorf("user %q: unknown permission %q", a.Name, p)
			}
		}
		u.accounts[a.Name] = &account{
			user: User{Name: a.Name, Admin: a.Admin, Permissions: a.Permissions},
			hash: []byte(a.PasswordHash),
		}
	}
	return u, nil
}

// HashPassword produces the bcrypt hash stored in the configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Authenticate checks the password and refuses banned users.
func (u *Users) Authenticate(username, password string) (User, error) {
	u.mu.RLock()
	acc, ok := u.accounts[username]
	var hash []byte
	var banned bool
	var user User
	if ok {
		hash, banned, user = acc.hash, acc.banned, acc.user
	}
	u.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if banned {
		return User{}, ErrBanned
	}
	return user, nil
}

// Ban marks a user as banned. It reports whether the user was not banned before.
func (u *Users) Ban(username string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	acc, ok := u.accounts[username]
	if !ok {
		return false, ErrUnknownUser
	}
	if acc.banned {
		return false, nil
	}
	acc.banned = true
	u.logger.Warn().Str("user", username).Msg("user banned")
	return true, nil
}

// Unban lifts a ban.
func (u *Users) Unban(username string) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	acc, ok := u.accounts[username]
	if !ok {
		return ErrUnknownUser
	}
	acc.banned = false
	return nil
}

// IsBanned reports whether username is currently banned.
func (u *Users) IsBanned(username string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	acc, ok := u.accounts[username]
	return ok && acc.banned
}

// Count returns the number of configured users.
func (u *Users) Count() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.accounts)
}
