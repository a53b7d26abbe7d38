package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// Role is the closed set of authorization levels.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole accepts only the two known roles.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) IsAdmin() bool { return r == RoleAdmin }

// Password length bounds, inclusive.
const (
	MinPasswordLen = 8
	MaxPasswordLen = 16
)

// User is a library patron or administrator.
type User struct {
	ID                    int64      `db:"id" json:"id"`
	Name                  string     `db:"name" json:"name"`
	Email                 string     `db:"email" json:"email"`
	PasswordHash          string     `db:"password_hash" json:"-"`
	Role                  Role       `db:"role" json:"role"`
	Verified              bool       `db:"account_verified" json:"account_verified"`
	VerificationCode      *string    `db:"verification_code" json:"-"`
	VerificationExpiresAt *time.Time `db:"verification_code_expire" json:"-"`
	ResetTokenHash        *string    `db:"reset_password_token" json:"-"`
	ResetExpiresAt        *time.Time `db:"reset_password_expire" json:"-"`
	Phone                 *string    `db:"phone" json:"phone,omitempty"`
	AvatarURL             *string    `db:"avatar_url" json:"avatar_url,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
}

// Summary is a user row decorated with loan and fine aggregates.
type Summary struct {
	User
	ActiveLoans int64   `db:"active_loans" json:"borrowedBooksCount"`
	TotalLoans  int64   `db:"total_loans" json:"total_loans"`
	UnpaidFines float64 `db:"unpaid_fines" json:"unpaid_fines"`
}

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks for a plain name@domain.tld address.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address")
	}
	at := strings.LastIndex(email, "@")
	if at < 1 || !strings.Contains(email[at+1:], ".") || strings.HasSuffix(email, ".") {
		return fmt.Errorf("invalid email address")
	}
	return nil
}

// ValidatePassword enforces the length policy, counted in characters.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLen || n > MaxPasswordLen {
		return fmt.Errorf("password must be between %d and %d characters", MinPasswordLen, MaxPasswordLen)
	}
	return nil
}
