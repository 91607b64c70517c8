package model

import "time"

// LinkedAccount is a mail account connected through the Aurinko
// authorization-code flow. One row per (UserID, AccountID); relinking the
// same account replaces the stored token.
type LinkedAccount struct {
	ID          string    `json:"id"          db:"id"`
	UserID      string    `json:"userId"      db:"user_id"`
	Provider    string    `json:"provider"    db:"provider"` // always "aurinko" today
	AccountID   int64     `json:"accountId"   db:"account_id"`
	ServiceType string    `json:"serviceType" db:"service_type"`
	AccessToken string    `json:"-"           db:"access_token"`
	CreatedAt   time.Time `json:"createdAt"   db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt"   db:"updated_at"`
}
