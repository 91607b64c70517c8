// Package repository declares the storage interfaces the service layer
// depends on. internal/repository/sqlite implements them.
package repository

import (
	"context"

	"github.com/sakif/mailauth/internal/model"
)

// UserRepository is the user directory: one record per email.
type UserRepository interface {
	// UpsertByEmail creates the user if the email is new, otherwise
	// overwrites name, img and authType. It runs as a single atomic
	// statement so concurrent logins for the same email never create two
	// rows. On return user holds the stored record (ID, timestamps).
	UpsertByEmail(ctx context.Context, user *model.User) error

	// Create inserts a new user and fails with apperror.ErrConflict when the
	// email is already taken.
	Create(ctx context.Context, user *model.User) error

	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// LinkedAccountRepository stores mail accounts linked through Aurinko.
type LinkedAccountRepository interface {
	// SaveLinkedAccount inserts or replaces the (UserID, AccountID) row.
	SaveLinkedAccount(ctx context.Context, acct *model.LinkedAccount) error
	ListLinkedAccounts(ctx context.Context, userID string) ([]model.LinkedAccount, error)
}
