package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/mailauth/internal/model"
	"github.com/sakif/mailauth/internal/repository"
)

var _ repository.LinkedAccountRepository = (*DB)(nil)

// SaveLinkedAccount stores the token for (UserID, Provider, AccountID),
// replacing the token of an earlier link of the same account. An empty
// ServiceType keeps whatever was stored before.
func (db *DB) SaveLinkedAccount(ctx context.Context, acct *model.LinkedAccount) error {
	now := time.Now().UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO linked_accounts
		     (id, user_id, provider, account_id, service_type, access_token, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider, account_id) DO UPDATE SET
		     access_token = excluded.access_token,
		     service_type = CASE WHEN excluded.service_type <> ''
		                         THEN excluded.service_type
		                         ELSE linked_accounts.service_type END,
		     updated_at   = excluded.updated_at`,
		xid.New().String(),
		acct.UserID,
		acct.Provider,
		acct.AccountID,
		acct.ServiceType,
		acct.AccessToken,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("sqlite: saving linked account %d for user %s: %w", acct.AccountID, acct.UserID, err)
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT id, service_type, created_at, updated_at FROM linked_accounts
		 WHERE user_id = ? AND provider = ? AND account_id = ?`,
		acct.UserID, acct.Provider, acct.AccountID,
	).Scan(&acct.ID, &acct.ServiceType, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: reading back linked account %d: %w", acct.AccountID, err)
	}
	return nil
}

// ListLinkedAccounts returns the user's linked accounts, oldest first.
func (db *DB) ListLinkedAccounts(ctx context.Context, userID string) ([]model.LinkedAccount, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, provider, account_id, service_type, access_token, created_at, updated_at
		 FROM linked_accounts WHERE user_id = ? ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing linked accounts for %s: %w", userID, err)
	}
	defer rows.Close()

	accounts := []model.LinkedAccount{}
	for rows.Next() {
		var a model.LinkedAccount
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.Provider, &a.AccountID,
			&a.ServiceType, &a.AccessToken, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning linked account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating linked accounts: %w", err)
	}
	return accounts, nil
}
