package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/mailauth/internal/apperror"
	"github.com/sakif/mailauth/internal/model"
	"github.com/sakif/mailauth/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, email, name, img, auth_type, password_hash, created_at, updated_at`

// UpsertByEmail inserts the user or, if the email already exists, updates the
// profile fields in place.
//
// ONE STATEMENT, NOT READ-THEN-WRITE:
// INSERT ... ON CONFLICT(email) DO UPDATE is atomic in SQLite. Two logins for
// the same new email racing each other both end up on the same row: the
// first inserts, the second takes the DO UPDATE branch. A SELECT-then-INSERT
// would let both see "no row" and the second INSERT would fail on the UNIQUE
// constraint.
//
// The id in the VALUES clause is only used on insert; the DO UPDATE branch
// never touches id, created_at or password_hash, so the internal id is stable
// across logins.
func (db *DB) UpsertByEmail(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, name, img, auth_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET
		     name       = excluded.name,
		     img        = excluded.img,
		     auth_type  = excluded.auth_type,
		     updated_at = excluded.updated_at`,
		xid.New().String(),
		user.Email,
		user.Name,
		user.Img,
		string(user.AuthType),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upserting user %s: %w", user.Email, err)
	}

	stored, err := db.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return fmt.Errorf("sqlite: reading back user %s: %w", user.Email, err)
	}
	*user = *stored
	return nil
}

// Create inserts a brand-new user. An existing email is reported as
// apperror.ErrConflict and leaves the stored row untouched.
func (db *DB) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	id := xid.New().String()

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, name, img, auth_type, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		id,
		user.Email,
		user.Name,
		user.Img,
		string(user.AuthType),
		user.PasswordHash,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Email, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: inserting user %s: %w", user.Email, err)
	}
	if n == 0 {
		return apperror.Conflict("user", user.Email)
	}

	user.ID = id
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email.
// Returns apperror.ErrNotFound if no user has that email.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", email, err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	var (
		u        model.User
		authType string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.Img,
		&authType,
		&u.PasswordHash,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.AuthType = model.AuthType(authType)
	return &u, nil
}
