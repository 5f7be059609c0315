package models

import (
	"time"
)

// UsageSnapshot is the current state of a quota bucket as seen by one call.
// Any read that crosses the reset date reports freshened values.
type UsageSnapshot struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Plan      Plan      `json:"plan"`
	ResetDate time.Time `json:"reset_date"`
}

// UsageLog is one append-only row per generation request
type UsageLog struct {
	ID             string    `json:"id" db:"id"`
	SiteID         *string   `json:"site_id,omitempty" db:"site_id"`
	OrganizationID *string   `json:"organization_id,omitempty" db:"organization_id"`
	UserID         *string   `json:"user_id,omitempty" db:"user_id"`
	SiteHash       string    `json:"site_hash" db:"site_hash"`
	TokensConsumed int64     `json:"tokens_consumed" db:"tokens_consumed"`
	WPUserID       string    `json:"wp_user_id,omitempty" db:"wp_user_id"`
	WPUserName     string    `json:"wp_user_name,omitempty" db:"wp_user_name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CreditTransaction is one append-only credit ledger row. Rows carrying a
// payment reference are applied at most once per reference.
type CreditTransaction struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Delta     int64     `json:"delta" db:"delta"`
	Reference string    `json:"reference,omitempty" db:"reference"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
