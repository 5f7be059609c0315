package models

import (
	"time"
)

// Site represents a single WordPress installation, identified by a stable
// hash. All users of an install share one quota bucket. A site may exist
// without an organization (pure free tier via a directly issued license).
type Site struct {
	ID              string    `json:"id" db:"id"`
	SiteHash        string    `json:"site_hash" db:"site_hash"`
	SiteURL         string    `json:"site_url" db:"site_url"`
	OrganizationID  *string   `json:"organization_id,omitempty" db:"organization_id"`
	LicenseKey      *string   `json:"license_key,omitempty" db:"license_key"`
	Plan            Plan      `json:"plan" db:"plan"`
	TokenLimit      int64     `json:"token_limit" db:"token_limit"`
	TokensUsed      int64     `json:"tokens_used" db:"tokens_used"`
	TokensRemaining int64     `json:"tokens_remaining" db:"tokens_remaining"`
	ResetDate       time.Time `json:"reset_date" db:"reset_date"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	LastSeen        time.Time `json:"last_seen" db:"last_seen"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// BelongsTo reports whether the site is bound to the given organization.
func (s *Site) BelongsTo(orgID string) bool {
	return s.OrganizationID != nil && *s.OrganizationID == orgID
}

// BoundToLicense reports whether the site is bound to the given license key.
func (s *Site) BoundToLicense(key string) bool {
	return s.LicenseKey != nil && *s.LicenseKey == key
}
