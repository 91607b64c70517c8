// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// AuthType records how a user last signed in.
type AuthType string

const (
	AuthTypeEmail  AuthType = "EMAIL"
	AuthTypeGoogle AuthType = "GOOGLE"
	AuthTypeOther  AuthType = "OTHER"
)

// AuthTypeFromProvider maps an identity provider's sign-in method
// (the firebase.sign_in_provider claim) to an AuthType.
func AuthTypeFromProvider(signInProvider string) AuthType {
	switch signInProvider {
	case "password", "emailLink":
		return AuthTypeEmail
	case "google.com":
		return AuthTypeGoogle
	default:
		return AuthTypeOther
	}
}

// User is the durable directory record for one person.
//
// Email is the unique key: exactly one row per email. ID is generated (xid)
// on first insert and never changes afterwards, so it is safe to embed in
// session credentials as the dbUserId claim.
//
// Name and Img are overwritten on every login with whatever the identity
// provider reports; last write wins.
type User struct {
	ID           string    `json:"id"        db:"id"`
	Email        string    `json:"email"     db:"email"`
	Name         string    `json:"name"      db:"name"`
	Img          string    `json:"img"       db:"img"`
	AuthType     AuthType  `json:"authType"  db:"auth_type"`
	PasswordHash string    `json:"-"         db:"password_hash"` // only set by /auth/register
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// NormalizeEmail is the directory key form of an address. Every lookup or
// write by email goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
