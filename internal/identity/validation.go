package identity

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`\d`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>]`)
)

const (
	// MinPasswordLength is the shortest password accepted.
	MinPasswordLength = 8
	// MaxPasswordBytes is bcrypt's input limit.
	MaxPasswordBytes = 72
)

// Strength grades a password.
type Strength string

const (
	StrengthNone   Strength = "none"
	StrengthWeak   Strength = "weak"
	StrengthMedium Strength = "medium"
	StrengthStrong Strength = "strong"
)

// PasswordCheck is the verdict on a candidate password. Weak passwords are
// rejected; medium ones are accepted with feedback.
type PasswordCheck struct {
	Valid    bool
	Strength Strength
	Feedback string
}

// ValidEmail reports whether email looks like an address.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CheckPassword grades password. Strong needs upper, lower, digit and a
// special character; medium needs upper, lower and one of the other two.
func CheckPassword(password string) PasswordCheck {
	if password == "" {
		return PasswordCheck{Strength: StrengthNone, Feedback: "Password is required"}
	}
	if len(password) < MinPasswordLength {
		return PasswordCheck{Strength: StrengthWeak, Feedback: "Password must be at least 8 characters long"}
	}
	if len(password) > MaxPasswordBytes {
		return PasswordCheck{Strength: StrengthNone, Feedback: "Password must be at most 72 bytes long"}
	}

	upper := upperPattern.MatchString(password)
	lower := lowerPattern.MatchString(password)
	digit := digitPattern.MatchString(password)
	special := specialPattern.MatchString(password)

	switch {
	case upper && lower && digit && special:
		return PasswordCheck{Valid: true, Strength: StrengthStrong}
	case upper && lower && (digit || special):
		return PasswordCheck{
			Valid:    true,
			Strength: StrengthMedium,
			Feedback: "Password is medium strength. Consider adding more variety for stronger security.",
		}
	}
	return PasswordCheck{
		Strength: StrengthWeak,
		Feedback: "Password is weak. Consider adding uppercase letters, numbers, and special characters.",
	}
}
