package models

import (
	"time"
)

// AutoAttachStatus tracks how a standalone license was bound to its site
type AutoAttachStatus string

const (
	AutoAttachNone      AutoAttachStatus = "none"
	AutoAttachPending   AutoAttachStatus = "pending"
	AutoAttachCompleted AutoAttachStatus = "completed"
)

// License represents a standalone, non-organization license. Free-tier
// licenses are typically organization-less and bound 1:1 to a site.
type License struct {
	ID               string           `json:"id" db:"id"`
	LicenseKey       string           `json:"license_key" db:"license_key"`
	Plan             Plan             `json:"plan" db:"plan"`
	Service          string           `json:"service" db:"service"`
	TokenLimit       int64            `json:"token_limit" db:"token_limit"`
	TokensUsed       int64            `json:"tokens_used" db:"tokens_used"`
	TokensRemaining  int64            `json:"tokens_remaining" db:"tokens_remaining"`
	SiteHash         *string          `json:"site_hash,omitempty" db:"site_hash"`
	OrganizationID   *string          `json:"organization_id,omitempty" db:"organization_id"`
	UserID           *string          `json:"user_id,omitempty" db:"user_id"`
	AutoAttachStatus AutoAttachStatus `json:"auto_attach_status" db:"auto_attach_status"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}
