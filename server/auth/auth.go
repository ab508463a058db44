package auth

import (
	"errors"
	"slices"
)

// Permission names a capability granted to a user.
type Permission string

const (
	PermDownload          Permission = "download"
	PermUpload            Permission = "upload"
	PermFileRoot          Permission = "file_root" // transfers outside the shared area
	PermBan               Permission = "ban"
	PermConnectionMonitor Permission = "connection_monitor"
)

// AllPermissions lists every known permission.
var AllPermissions = []Permission{PermDownload, PermUpload, PermFileRoot, PermBan, PermConnectionMonitor}

// ValidPermission reports whether p is known.
func ValidPermission(p Permission) bool {
	return slices.Contains(AllPermissions, p)
}

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrBanned             = errors.New("user is banned")
	ErrUnknownUser        = errors.New("unknown user")
)

// User is the identity behind an authenticated connection.
type User struct {
	Name        string
	Admin       bool
	Permissions []Permission
}

// Can reports whether the user holds p. Admins hold everything.
func (u User) Can(p Permission) bool {
	return u.Admin || slices.Contains(u.Permissions, p)
}

// PermissionStrings is the wire form of the user's permissions.
func (u User) PermissionStrings() []string {
	perms := u.Permissions
	if u.Admin {
		perms = AllPermissions
	}
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// Authenticator checks the credentials presented at login.
type Authenticator interface {
	Authenticate(username, password string) (User, error)
}
