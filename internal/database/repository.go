package database

import (
	"context"
	"fmt"
	"time"

	"github.com/contentforge/licensing-api/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository provides database operations for users, organizations,
// memberships, licenses and sites
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks the underlying database connection
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Users

// GetUserByID retrieves a user by ID
func (r *Repository) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, email, jwt_version, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.JWTVersion, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, email, jwt_version, created_at, updated_at
		FROM users
		WHERE lower(email) = lower($1)
	`

	err := r.db.Pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Email, &user.JWTVersion, &user.CreatedAt, &user.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// CreateUser creates a user record. Used on first sign-in.
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}

	query := `
		INSERT INTO users (id, email, jwt_version)
		VALUES ($1, lower($2), $3)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		user.ID, user.Email, user.JWTVersion,
	).Scan(&user.CreatedAt, &user.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// IncrementJWTVersion invalidates all outstanding tokens for a user
func (r *Repository) IncrementJWTVersion(ctx context.Context, userID string) (int, error) {
	var version int

	query := `
		UPDATE users
		SET jwt_version = jwt_version + 1, updated_at = now()
		WHERE id = $1
		RETURNING jwt_version
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&version)
	if err == pgx.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment jwt version: %w", err)
	}

	return version, nil
}

// Memberships

// GetPrimaryMembership returns the user's highest-ranked membership, owner
// before admin before member. Returns nil when the user has none.
func (r *Repository) GetPrimaryMembership(ctx context.Context, userID string) (*models.OrganizationMember, error) {
	var member models.OrganizationMember

	query := `
		SELECT organization_id, user_id, role, created_at
		FROM organization_members
		WHERE user_id = $1
		ORDER BY CASE role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END
		LIMIT 1
	`

	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&member.OrganizationID, &member.UserID, &member.Role, &member.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return &member, nil
}

// GetMembership retrieves a single membership row
func (r *Repository) GetMembership(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error) {
	var member models.OrganizationMember

	query := `
		SELECT organization_id, user_id, role, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`

	err := r.db.Pool.QueryRow(ctx, query, orgID, userID).Scan(
		&member.OrganizationID, &member.UserID, &member.Role, &member.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return &member, nil
}

// CreateMembership adds a user to an organization with a role
func (r *Repository) CreateMembership(ctx context.Context, member *models.OrganizationMember) error {
	query := `
		INSERT INTO organization_members (organization_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO NOTHING
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		member.OrganizationID, member.UserID, member.Role,
	).Scan(&member.CreatedAt)

	if err == pgx.ErrNoRows {
		// Membership already exists; treat as success
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create membership: %w", err)
	}

	return nil
}

// Organizations

const organizationColumns = `id, name, license_key, plan, max_sites, token_limit,
	       tokens_used, tokens_remaining, reset_date, credits, created_at, updated_at`

func scanOrganization(row pgx.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(
		&org.ID, &org.Name, &org.LicenseKey, &org.Plan, &org.MaxSites,
		&org.TokenLimit, &org.TokensUsed, &org.TokensRemaining,
		&org.ResetDate, &org.Credits, &org.CreatedAt, &org.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return &org, nil
}

// CreateOrganization creates an organization record
func (r *Repository) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}

	query := `
		INSERT INTO organizations (id, name, license_key, plan, max_sites,
		                           token_limit, tokens_used, tokens_remaining,
		                           reset_date, credits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		org.ID, org.Name, org.LicenseKey, org.Plan, org.MaxSites,
		org.TokenLimit, org.TokensUsed, org.TokensRemaining,
		org.ResetDate, org.Credits,
	).Scan(&org.CreatedAt, &org.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	return nil
}

// GetOrganizationByID retrieves an organization by ID
func (r *Repository) GetOrganizationByID(ctx context.Context, id string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`
	return scanOrganization(r.db.Pool.QueryRow(ctx, query, id))
}

// GetOrganizationByLicenseKey retrieves an organization by license key
func (r *Repository) GetOrganizationByLicenseKey(ctx context.Context, licenseKey string) (*models.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE license_key = $1`
	return scanOrganization(r.db.Pool.QueryRow(ctx, query, licenseKey))
}

// CountActiveSites counts sites currently active under an organization
func (r *Repository) CountActiveSites(ctx context.Context, orgID string) (int, error) {
	var count int

	query := `
		SELECT count(*)
		FROM sites
		WHERE organization_id = $1 AND is_active = true
	`

	if err := r.db.Pool.QueryRow(ctx, query, orgID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sites: %w", err)
	}

	return count, nil
}

// Licenses

const licenseColumns = `id, license_key, plan, service, token_limit, tokens_used,
	       tokens_remaining, site_hash, organization_id, user_id,
	       auto_attach_status, created_at, updated_at`

func scanLicense(row pgx.Row) (*models.License, error) {
	var lic models.License
	err := row.Scan(
		&lic.ID, &lic.LicenseKey, &lic.Plan, &lic.Service, &lic.TokenLimit,
		&lic.TokensUsed, &lic.TokensRemaining, &lic.SiteHash,
		&lic.OrganizationID, &lic.UserID, &lic.AutoAttachStatus,
		&lic.CreatedAt, &lic.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan license: %w", err)
	}
	return &lic, nil
}

// CreateLicense creates a standalone license record
func (r *Repository) CreateLicense(ctx context.Context, lic *models.License) error {
	if lic.ID == "" {
		lic.ID = uuid.New().String()
	}

	query := `
		INSERT INTO licenses (id, license_key, plan, service, token_limit,
		                      tokens_used, tokens_remaining, site_hash,
		                      organization_id, user_id, auto_attach_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		lic.ID, lic.LicenseKey, lic.Plan, lic.Service, lic.TokenLimit,
		lic.TokensUsed, lic.TokensRemaining, lic.SiteHash,
		lic.OrganizationID, lic.UserID, lic.AutoAttachStatus,
	).Scan(&lic.CreatedAt, &lic.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}

	return nil
}

// GetLicenseByKey retrieves a standalone license by key
func (r *Repository) GetLicenseByKey(ctx context.Context, licenseKey string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = $1`
	return scanLicense(r.db.Pool.QueryRow(ctx, query, licenseKey))
}

// GetLicenseBySiteHash retrieves the license auto-attached to a site, if any
func (r *Repository) GetLicenseBySiteHash(ctx context.Context, siteHash string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE site_hash = $1`
	return scanLicense(r.db.Pool.QueryRow(ctx, query, siteHash))
}

// Sites

const siteColumns = `id, site_hash, site_url, organization_id, license_key, plan,
	       token_limit, tokens_used, tokens_remaining, reset_date,
	       is_active, last_seen, created_at, updated_at`

func scanSite(row pgx.Row) (*models.Site, error) {
	var site models.Site
	err := row.Scan(
		&site.ID, &site.SiteHash, &site.SiteURL, &site.OrganizationID,
		&site.LicenseKey, &site.Plan, &site.TokenLimit, &site.TokensUsed,
		&site.TokensRemaining, &site.ResetDate, &site.IsActive,
		&site.LastSeen, &site.CreatedAt, &site.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan site: %w", err)
	}
	return &site, nil
}

// GetSiteByID retrieves a site by ID
func (r *Repository) GetSiteByID(ctx context.Context, id string) (*models.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE id = $1`
	return scanSite(r.db.Pool.QueryRow(ctx, query, id))
}

// GetSiteByHash retrieves a site by its install hash
func (r *Repository) GetSiteByHash(ctx context.Context, siteHash string) (*models.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE site_hash = $1`
	return scanSite(r.db.Pool.QueryRow(ctx, query, siteHash))
}

// GetOrCreateSite returns the site for a hash, creating it with free-plan
// defaults on first contact. The upsert is atomic on the unique site_hash,
// so N concurrent calls yield exactly one row. A non-empty site URL on an
// existing row is refreshed; last_seen is always touched.
func (r *Repository) GetOrCreateSite(ctx context.Context, siteHash, siteURL string, resetDate time.Time) (*models.Site, error) {
	defaults := models.GetPlanDefaults(models.PlanFree)

	query := `
		INSERT INTO sites (id, site_hash, site_url, plan, token_limit,
		                   tokens_used, tokens_remaining, reset_date,
		                   is_active, last_seen)
		VALUES ($1, $2, $3, $4, $5, 0, $5, $6, true, now())
		ON CONFLICT (site_hash) DO UPDATE
		SET site_url = CASE WHEN EXCLUDED.site_url <> '' THEN EXCLUDED.site_url ELSE sites.site_url END,
		    last_seen = now()
		RETURNING ` + siteColumns

	return scanSite(r.db.Pool.QueryRow(ctx, query,
		uuid.New().String(), siteHash, siteURL, models.PlanFree,
		defaults.TokenLimit, resetDate,
	))
}

// ActivateSite binds a site to an organization's license and marks it
// active, creating the row if absent. The conflict clause only updates a
// row that is unbound or already bound to the same license; a zero-row
// result means the site belongs to a different license and the caller gets
// ErrConflict with no mutation.
func (r *Repository) ActivateSite(ctx context.Context, site *models.Site) (*models.Site, error) {
	if site.ID == "" {
		site.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sites (id, site_hash, site_url, organization_id,
		                   license_key, plan, token_limit, tokens_used,
		                   tokens_remaining, reset_date, is_active, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $7, $8, true, now())
		ON CONFLICT (site_hash) DO UPDATE
		SET is_active = true,
		    organization_id = EXCLUDED.organization_id,
		    license_key = EXCLUDED.license_key,
		    plan = EXCLUDED.plan,
		    token_limit = EXCLUDED.token_limit,
		    tokens_remaining = GREATEST(EXCLUDED.token_limit - sites.tokens_used, 0),
		    site_url = CASE WHEN EXCLUDED.site_url <> '' THEN EXCLUDED.site_url ELSE sites.site_url END,
		    last_seen = now(),
		    updated_at = now()
		WHERE sites.license_key IS NULL OR sites.license_key = EXCLUDED.license_key
		RETURNING ` + siteColumns

	updated, err := scanSite(r.db.Pool.QueryRow(ctx, query,
		site.ID, site.SiteHash, site.SiteURL, site.OrganizationID,
		site.LicenseKey, site.Plan, site.TokenLimit, site.ResetDate,
	))
	if err == ErrNotFound {
		return nil, ErrConflict
	}
	return updated, err
}

// DeactivateSite marks a site inactive. Idempotent.
func (r *Repository) DeactivateSite(ctx context.Context, siteID string) error {
	query := `
		UPDATE sites
		SET is_active = false, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, siteID)
	if err != nil {
		return fmt.Errorf("failed to deactivate site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// BindSiteLicense attaches a standalone license key to an unbound site.
// Binding the same key again is a no-op; a different existing key returns
// ErrConflict.
func (r *Repository) BindSiteLicense(ctx context.Context, siteHash, licenseKey string) (*models.Site, error) {
	query := `
		UPDATE sites
		SET license_key = $2, updated_at = now()
		WHERE site_hash = $1
		  AND (license_key IS NULL OR license_key = $2)
		RETURNING ` + siteColumns

	site, err := scanSite(r.db.Pool.QueryRow(ctx, query, siteHash, licenseKey))
	if err == ErrNotFound {
		// Distinguish a missing site from one bound elsewhere
		if _, lookupErr := r.GetSiteByHash(ctx, siteHash); lookupErr == nil {
			return nil, ErrConflict
		}
		return nil, ErrNotFound
	}
	return site, err
}
