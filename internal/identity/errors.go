package identity

import "errors"

var (
	ErrInvalidEmail       = errors.New("identity: invalid email address")
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrInvalidToken       = errors.New("identity: invalid or expired token")
	ErrAccountNotFound    = errors.New("identity: account not found")
)

// WeakPasswordError carries the feedback for a rejected password.
type WeakPasswordError struct {
	Check PasswordCheck
}

func (e *WeakPasswordError) Error() string {
	return "identity: " + e.Check.Feedback
}
