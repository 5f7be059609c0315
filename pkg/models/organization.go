package models

import (
	"time"
)

// Plan is the subscription tier an organization or site runs on
type Plan string

const (
	PlanFree   Plan = "free"
	PlanPro    Plan = "pro"
	PlanAgency Plan = "agency"
)

// PlanDefaults holds the quota shape a plan starts with
type PlanDefaults struct {
	MaxSites   int
	TokenLimit int64
}

// DefaultsByPlan maps each plan to its initial site cap and monthly token
// allowance.
var DefaultsByPlan = map[Plan]PlanDefaults{
	PlanFree:   {MaxSites: 1, TokenLimit: 50},
	PlanPro:    {MaxSites: 1, TokenLimit: 1000},
	PlanAgency: {MaxSites: 10, TokenLimit: 10000},
}

// GetPlanDefaults returns the defaults for a plan, falling back to the free
// tier for unknown values.
func GetPlanDefaults(plan Plan) PlanDefaults {
	if d, ok := DefaultsByPlan[plan]; ok {
		return d
	}
	return DefaultsByPlan[PlanFree]
}

// Organization is the billing and quota boundary for licensed installs.
// Its license key is shared by every site the organization activates.
type Organization struct {
	ID              string    `json:"id" db:"id"`
	Name            string    `json:"name" db:"name"`
	LicenseKey      string    `json:"license_key" db:"license_key"`
	Plan            Plan      `json:"plan" db:"plan"`
	MaxSites        int       `json:"max_sites" db:"max_sites"`
	TokenLimit      int64     `json:"token_limit" db:"token_limit"`
	TokensUsed      int64     `json:"tokens_used" db:"tokens_used"`
	TokensRemaining int64     `json:"tokens_remaining" db:"tokens_remaining"`
	ResetDate       time.Time `json:"reset_date" db:"reset_date"`
	Credits         int64     `json:"credits" db:"credits"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// MemberRole is a user's role within an organization
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// CanManageSites reports whether the role may activate or deactivate the
// organization's sites.
func (r MemberRole) CanManageSites() bool {
	return r == RoleOwner || r == RoleAdmin
}

// OrganizationMember links a user to an organization with a role
type OrganizationMember struct {
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Role           MemberRole `json:"role" db:"role"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
