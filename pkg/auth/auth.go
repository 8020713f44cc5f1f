// Package auth holds the bot's account model: ordered permission levels,
// the authentication oracle consumed by the control-channel server, and the
// user stores implementing it.
package auth

import (
	"errors"
	"fmt"
)

// PermissionLevel is an ordered capability tier gating command execution.
type PermissionLevel uint8

const (
	LevelNone PermissionLevel = iota
	LevelUser
	LevelAdmin
)

func (l PermissionLevel) String() string {
	switch l {
	case LevelNone:
		return "None"
	case LevelUser:
		return "User"
	case LevelAdmin:
		return "Admin"
	default:
		return fmt.Sprintf("PermissionLevel(%d)", uint8(l))
	}
}

// ParsePermissionLevel maps a level name to its value.
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	switch s {
	case "None", "none":
		return LevelNone, nil
	case "User", "user":
		return LevelUser, nil
	case "Admin", "admin":
		return LevelAdmin, nil
	default:
		return LevelNone, fmt.Errorf("unknown permission level %q", s)
	}
}

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrBadCredentials = errors.New("invalid password")
	ErrUserExists     = errors.New("user already exists")
	ErrEmptyUsername  = errors.New("username cannot be empty")
	ErrEmptyPassword  = errors.New("password hash cannot be empty")
)

// Authenticator is the oracle the control-channel server consults. The
// password hash is the client-side SHA-512 digest; how it is stored and
// verified is the implementation's business.
type Authenticator interface {
	// Authenticate returns the user's permission level on success. On
	// failure it returns LevelNone and the reason as an error.
	Authenticate(user string, passwordHash []byte) (PermissionLevel, error)

	// FetchPermissionLevel returns the user's current level, LevelNone if
	// the user is unknown. Used to refresh a session's authority after it
	// changed out-of-band.
	FetchPermissionLevel(user string) PermissionLevel

	// ChangePassword verifies the current hash and replaces it with the
	// new one.
	ChangePassword(user string, currentHash, newHash []byte) error
}
