// Package auth holds the HTTP-facing half of authentication: the session
// cookie policy, the route guard, and password hashing for /auth/register.
//
// Stored hashes are full bcrypt strings ($2a$<cost>$<salt><hash>), so the
// cost and salt travel with the hash.
package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// defaultCost is the bcrypt work factor used outside tests.
const defaultCost = 12

// MinPasswordLength is the shortest password /auth/register accepts.
const MinPasswordLength = 8

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// ErrPasswordTooShort and ErrPasswordTooLong are returned by CheckPolicy.
var (
	ErrPasswordTooShort = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = fmt.Errorf("auth: password must be %d bytes or fewer", maxPasswordBytes)
)

// PasswordService provides bcrypt hashing and verification.
//
// Tests inject a low cost through NewPasswordServiceForTest.
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService with the default cost (12).
func NewPasswordService() *PasswordService {
	return &PasswordService{cost: defaultCost}
}

// NewPasswordServiceForTest creates a PasswordService with the given cost.
// Tests pass bcrypt.MinCost.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// CheckPolicy reports whether plaintext is acceptable as a new password.
// Length is counted in characters for the minimum and in bytes for the
// bcrypt maximum.
func (p *PasswordService) CheckPolicy(plaintext string) error {
	if utf8.RuneCountInString(plaintext) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	if len(plaintext) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// Hash hashes the given plaintext password with bcrypt.
//
// Plaintexts over 72 bytes fail with ErrPasswordTooLong.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > maxPasswordBytes {
		// bcrypt would reject or truncate it; fail loudly instead.
		return "", ErrPasswordTooLong
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether a plaintext password matches a stored bcrypt hash.
//
// Returns nil on a match.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("auth: invalid password")
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
